package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/openportal/config"
	"github.com/projecteru2/openportal/controller"
	"github.com/projecteru2/openportal/gateway/docker"
	"github.com/projecteru2/openportal/lock/flock"
	"github.com/projecteru2/openportal/registry"
	storejson "github.com/projecteru2/openportal/storage/json"
	"github.com/projecteru2/openportal/types"
	"github.com/projecteru2/openportal/workspace"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitController wires the registry store, docker gateway, and workspace
// manager into a controller and runs the startup preflight. A corrupt
// registry document fails here, before any command logic runs.
func InitController(ctx context.Context, conf *config.Config) (*controller.Controller, error) {
	if err := conf.EnsureBaseDirs(); err != nil {
		return nil, fmt.Errorf("prepare data dirs: %w", err)
	}
	store := storejson.New[registry.Index](conf.RegistryFile(), flock.New(conf.RegistryLock()))
	gw, err := docker.New(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("init docker gateway: %w", err)
	}
	ctrl := controller.New(conf, store, gw, workspace.New(conf.WorkspacesRoot()))
	if err := ctrl.Load(ctx); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// SpecFromFlags builds the resource spec for create/run commands.
func SpecFromFlags(cmd *cobra.Command) (types.ResourceSpec, error) {
	cpu, _ := cmd.Flags().GetInt("cpu")
	memStr, _ := cmd.Flags().GetString("memory")
	gpuStr, _ := cmd.Flags().GetString("gpu")

	memBytes, err := units.RAMInBytes(memStr)
	if err != nil {
		return types.ResourceSpec{}, fmt.Errorf("invalid --memory %q: %w", memStr, err)
	}
	gpuType, gpuCount, err := types.ParseGPU(gpuStr)
	if err != nil {
		return types.ResourceSpec{}, fmt.Errorf("invalid --gpu %q: %w", gpuStr, err)
	}

	return types.ResourceSpec{
		CPU:      cpu,
		Memory:   memBytes,
		GPUType:  gpuType,
		GPUCount: gpuCount,
	}, nil
}
