package others

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/openportal/cmd/core"
	"github.com/projecteru2/openportal/config"
	"github.com/projecteru2/openportal/controller"
	"github.com/projecteru2/openportal/version"
)

type Handler struct {
	ConfProvider func() *config.Config
}

func (h Handler) conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	conf, err := h.conf()
	if err != nil {
		return err
	}
	ctx := cmdcore.CommandContext(cmd)
	ctrl, err := cmdcore.InitController(ctx, conf)
	if err != nil {
		return err
	}

	report, err := ctrl.Sweep(ctx)
	if err != nil {
		return err
	}
	log.WithFunc("cmd.gc").Infof(ctx, "sweep done: %d expired, %d repaired, %d orphan workspaces removed",
		len(report.Expired), len(report.Repaired), len(report.Orphans))
	return nil
}

func (h Handler) Reconcile(cmd *cobra.Command, _ []string) error {
	conf, err := h.conf()
	if err != nil {
		return err
	}
	ctx := cmdcore.CommandContext(cmd)
	ctrl, err := cmdcore.InitController(ctx, conf)
	if err != nil {
		return err
	}

	repaired, err := ctrl.Reconcile(ctx, controller.ReconcileOptions{})
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.reconcile")
	for _, id := range repaired {
		logger.Infof(ctx, "repaired: %s", id)
	}
	if len(repaired) == 0 {
		logger.Info(ctx, "nothing to repair")
	}
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
