package job

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/joshu-sajeev/fleetq/common"
	"github.com/joshu-sajeev/fleetq/internal/cattle"
	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/dto"
	"github.com/joshu-sajeev/fleetq/middleware"
)

func validatePayload[T any](raw json.RawMessage) (*T, error) {
	var payload T

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, common.Errf(http.StatusBadRequest, "payload is required")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, common.APIError{
			Status:  http.StatusBadRequest,
			Message: "invalid payload format",
		}
	}

	if err := middleware.Validator().Struct(payload); err != nil {
		return nil, common.APIError{
			Status:  http.StatusBadRequest,
			Message: "payload validation failed",
			Fields:  middleware.FormatValidationErrors(err),
		}
	}

	return &payload, nil
}

// validateProviderPayload checks the payload shape of kinds that call the
// provider instead of running a command.
func validateProviderPayload(kind config.JobKind, raw json.RawMessage) error {
	switch kind {
	case config.KindCattleSpawn:
		p, err := validatePayload[dto.CattleSpawnPayload](raw)
		if err != nil {
			return err
		}
		return validateEnvNames(p)
	case config.KindCattleDestroy:
		_, err := validatePayload[dto.CattleDestroyPayload](raw)
		return err
	case config.KindHostLockdown:
		_, err := validatePayload[dto.HostLockdownPayload](raw)
		return err
	}
	return nil
}

func validateEnvNames(p *dto.CattleSpawnPayload) error {
	bad := map[string]any{}
	for name := range p.PublicEnv {
		if !cattle.ValidEnvName(name) {
			bad["publicEnv."+name] = "invalid name"
		}
	}
	for _, name := range p.EnvKeys {
		if !cattle.ValidEnvName(name) {
			bad["envKeys."+name] = "invalid name"
		}
	}
	if len(bad) > 0 {
		return common.NewAPIError(http.StatusBadRequest, "invalid environment variable name", bad)
	}
	return nil
}
