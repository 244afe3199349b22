package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/openportal/cmd/core"
	"github.com/projecteru2/openportal/controller"
	"github.com/projecteru2/openportal/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initController is the shared init for all sandbox subcommands.
func (h Handler) initController(cmd *cobra.Command) (context.Context, *controller.Controller, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := cmdcore.InitController(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	return ctx, ctrl, nil
}

// createSandbox is the shared logic for Create and Run: parse the resource
// flags and register the record.
func (h Handler) createSandbox(cmd *cobra.Command, name string) (context.Context, *controller.Controller, *types.Sandbox, error) {
	ctx, ctrl, err := h.initController(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	spec, err := cmdcore.SpecFromFlags(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	sb, err := ctrl.Create(ctx, name, spec)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create sandbox: %w", err)
	}
	return ctx, ctrl, sb, nil
}

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	ctx, _, sb, err := h.createSandbox(cmd, args[0])
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.create")
	logger.Infof(ctx, "sandbox created: %s (name: %s, state: %s)", sb.ID, sb.Name, sb.State)
	logger.Infof(ctx, "start with: openportal sandbox start %s", sb.ID)
	return nil
}

func (h Handler) Run(cmd *cobra.Command, args []string) error {
	ctx, ctrl, sb, err := h.createSandbox(cmd, args[0])
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.run")
	logger.Infof(ctx, "sandbox created: %s (name: %s)", sb.ID, sb.Name)

	started, err := ctrl.Start(ctx, sb.ID)
	if err != nil {
		return fmt.Errorf("start sandbox %s: %w", sb.ID, err)
	}
	logger.Infof(ctx, "started: %s (address: %s)", started.ID, started.Address)
	return nil
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, ctrl, err := h.initController(cmd)
	if err != nil {
		return err
	}
	return batchCmd(ctx, "start", "started", args, func(ctx context.Context, ref string) (string, error) {
		sb, err := ctrl.Start(ctx, ref)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s (address: %s)", sb.ID, sb.Address), nil
	})
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, ctrl, err := h.initController(cmd)
	if err != nil {
		return err
	}
	return batchCmd(ctx, "stop", "stopped", args, func(ctx context.Context, ref string) (string, error) {
		sb, err := ctrl.Stop(ctx, ref)
		if err != nil {
			return "", err
		}
		return sb.ID, nil
	})
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, ctrl, err := h.initController(cmd)
	if err != nil {
		return err
	}

	sandboxes, err := ctrl.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(sandboxes) == 0 {
		fmt.Println("No sandboxes found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tCPU\tMEMORY\tGPU\tADDRESS\tCREATED")
	for _, sb := range sandboxes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			sb.ID,
			sb.Name,
			sb.State,
			sb.Spec.CPU,
			units.BytesSize(float64(sb.Spec.Memory)),
			orDash(sb.Spec.GPU()),
			orDash(sb.Address),
			sb.CreatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, ctrl, err := h.initController(cmd)
	if err != nil {
		return err
	}

	sb, err := ctrl.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sb)
}

func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, ctrl, err := h.initController(cmd)
	if err != nil {
		return err
	}
	return batchCmd(ctx, "rm", "deleted", args, func(ctx context.Context, ref string) (string, error) {
		if err := ctrl.Delete(ctx, ref); err != nil {
			return "", err
		}
		return ref, nil
	})
}

// batchCmd applies fn to each ref with best-effort semantics: survivors are
// logged as they complete, failures are collected and reported together.
func batchCmd(ctx context.Context, name, pastTense string, refs []string, fn func(context.Context, string) (string, error)) error {
	logger := log.WithFunc("cmd." + name)
	var errs []error
	for _, ref := range refs {
		result, err := fn(ctx, ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		logger.Infof(ctx, "%s: %s", pastTense, result)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", name, errors.Join(errs...))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
