package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshu-sajeev/fleetq/internal/launcher"
)

type recordingLauncher struct {
	calls  []launcher.Command
	result launcher.Result
	err    error
}

func (r *recordingLauncher) Run(ctx context.Context, cmd launcher.Command) (launcher.Result, error) {
	r.calls = append(r.calls, cmd)
	return r.result, r.err
}

func TestCLIDriver_Create(t *testing.T) {
	l := &recordingLauncher{result: launcher.Result{Stdout: `{"id":"srv-1","address":"100.64.0.9"}` + "\n"}}
	d := NewCLIDriver("fleet-provider", l)

	inst, err := d.Create(context.Background(), SpawnRequest{
		JobID:          "job-1",
		Name:           "cattle-1",
		ServerType:     "cx22",
		Image:          "debian-12",
		Labels:         map[string]string{"team": "infra", "env": "ci"},
		BootstrapToken: "secret-token",
		BootstrapURL:   "http://100.64.0.1:7443",
	})
	require.NoError(t, err)
	assert.Equal(t, Instance{ID: "srv-1", Address: "100.64.0.9"}, inst)

	require.Len(t, l.calls, 1)
	call := l.calls[0]
	assert.Equal(t, "fleet-provider", call.Exec)
	assert.Equal(t, []string{
		"instance", "create", "--output", "json",
		"--name", "cattle-1", "--type", "cx22", "--image", "debian-12",
		"--label", "env=ci", "--label", "team=infra", "--label", "fleetq-job=job-1",
	}, call.Args)
	assert.NotContains(t, call.String(), "secret-token")
	assert.Contains(t, call.Env, EnvBootstrapToken+"=secret-token")
}

func TestCLIDriver_CreateErrors(t *testing.T) {
	tests := []struct {
		name    string
		l       *recordingLauncher
		req     SpawnRequest
		wantErr string
	}{
		{
			name:    "option injection in name",
			l:       &recordingLauncher{},
			req:     SpawnRequest{Name: "--rm", ServerType: "cx22", Image: "debian"},
			wantErr: "invalid value for --name",
		},
		{
			name:    "launcher failure",
			l:       &recordingLauncher{err: errors.New("exit 1")},
			req:     SpawnRequest{Name: "c1", ServerType: "cx22", Image: "debian"},
			wantErr: "provider create: exit 1",
		},
		{
			name:    "garbage output",
			l:       &recordingLauncher{result: launcher.Result{Stdout: "created!"}},
			req:     SpawnRequest{Name: "c1", ServerType: "cx22", Image: "debian"},
			wantErr: "decode output",
		},
		{
			name:    "missing id",
			l:       &recordingLauncher{result: launcher.Result{Stdout: `{"address":"x"}`}},
			req:     SpawnRequest{Name: "c1", ServerType: "cx22", Image: "debian"},
			wantErr: "no instance id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCLIDriver("fleet-provider", tt.l).Create(context.Background(), tt.req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCLIDriver_DestroyAndLockdown(t *testing.T) {
	l := &recordingLauncher{}
	d := NewCLIDriver("fleet-provider", l)
	ctx := context.Background()

	require.NoError(t, d.Destroy(ctx, "srv-1"))
	require.NoError(t, d.Lockdown(ctx, "srv-1", []string{"100.64.0.0/10", "10.1.2.3/8"}))

	require.Len(t, l.calls, 2)
	assert.Equal(t, []string{"instance", "destroy", "--id", "srv-1", "--yes"}, l.calls[0].Args)
	assert.Equal(t, []string{"instance", "lockdown", "--id", "srv-1", "--allow", "100.64.0.0/10", "--allow", "10.0.0.0/8"}, l.calls[1].Args)

	assert.ErrorContains(t, d.Destroy(ctx, "-rf"), "invalid value")
	assert.ErrorContains(t, d.Lockdown(ctx, "srv-1", []string{"nope"}), "invalid CIDR")
}
