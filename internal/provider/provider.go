// Package provider creates, destroys and locks down cattle instances. The
// queue only depends on the Driver interface; CLIDriver adapts an external
// provisioning CLI through the launcher.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/joshu-sajeev/fleetq/internal/launcher"
)

// Env var names the CLI reads the bootstrap credentials from. They are kept
// out of argv so they never show up in process listings.
const (
	EnvBootstrapToken = "FLEET_BOOTSTRAP_TOKEN"
	EnvBootstrapURL   = "FLEET_BOOTSTRAP_URL"
)

var valueRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/=-]{0,127}$`)

type SpawnRequest struct {
	JobID          string
	Name           string
	ServerType     string
	Image          string
	Region         string
	Labels         map[string]string
	BootstrapToken string
	BootstrapURL   string
}

type Instance struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type Driver interface {
	Create(ctx context.Context, req SpawnRequest) (Instance, error)
	Destroy(ctx context.Context, instanceID string) error
	Lockdown(ctx context.Context, instanceID string, allowCIDRs []string) error
}

type CLIDriver struct {
	bin      string
	launcher launcher.Launcher
}

func NewCLIDriver(bin string, l launcher.Launcher) *CLIDriver {
	return &CLIDriver{bin: bin, launcher: l}
}

var _ Driver = (*CLIDriver)(nil)

func (d *CLIDriver) Create(ctx context.Context, req SpawnRequest) (Instance, error) {
	args := []string{"instance", "create", "--output", "json"}
	for _, f := range []struct{ flag, value string }{
		{"--name", req.Name},
		{"--type", req.ServerType},
		{"--image", req.Image},
		{"--region", req.Region},
	} {
		if f.value == "" {
			continue
		}
		if err := checkValue(f.flag, f.value); err != nil {
			return Instance{}, err
		}
		args = append(args, f.flag, f.value)
	}

	keys := make([]string, 0, len(req.Labels))
	for k := range req.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		label := k + "=" + req.Labels[k]
		if err := checkValue("--label", label); err != nil {
			return Instance{}, err
		}
		args = append(args, "--label", label)
	}
	if req.JobID != "" {
		args = append(args, "--label", "fleetq-job="+req.JobID)
	}

	res, err := d.launcher.Run(ctx, launcher.Command{
		Exec: d.bin,
		Args: args,
		Env: []string{
			EnvBootstrapToken + "=" + req.BootstrapToken,
			EnvBootstrapURL + "=" + req.BootstrapURL,
		},
	})
	if err != nil {
		return Instance{}, fmt.Errorf("provider create: %w", err)
	}

	var inst Instance
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &inst); err != nil {
		return Instance{}, fmt.Errorf("provider create: decode output: %w", err)
	}
	if inst.ID == "" {
		return Instance{}, fmt.Errorf("provider create: output has no instance id")
	}
	return inst, nil
}

func (d *CLIDriver) Destroy(ctx context.Context, instanceID string) error {
	if err := checkValue("--id", instanceID); err != nil {
		return err
	}
	if _, err := d.launcher.Run(ctx, launcher.Command{
		Exec: d.bin,
		Args: []string{"instance", "destroy", "--id", instanceID, "--yes"},
	}); err != nil {
		return fmt.Errorf("provider destroy: %w", err)
	}
	return nil
}

func (d *CLIDriver) Lockdown(ctx context.Context, instanceID string, allowCIDRs []string) error {
	if err := checkValue("--id", instanceID); err != nil {
		return err
	}
	args := []string{"instance", "lockdown", "--id", instanceID}
	for _, cidr := range allowCIDRs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return fmt.Errorf("provider lockdown: invalid CIDR %q", cidr)
		}
		args = append(args, "--allow", p.Masked().String())
	}
	if _, err := d.launcher.Run(ctx, launcher.Command{Exec: d.bin, Args: args}); err != nil {
		return fmt.Errorf("provider lockdown: %w", err)
	}
	return nil
}

func checkValue(flag, value string) error {
	if !valueRe.MatchString(value) {
		return fmt.Errorf("provider: invalid value for %s", flag)
	}
	return nil
}
