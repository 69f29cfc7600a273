package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"fleetsync/internal/model"
)

var errInvalidRequest = errors.New("invalid request")

var validate = validator.New(validator.WithRequiredStructEnabled())

type cadenceRequest struct {
	Cadence string `json:"cadence" validate:"max=120"`
	Force   bool   `json:"force"`
}

type locationRequest struct {
	Name                string          `json:"name" validate:"required,max=140"`
	Address             string          `json:"address"`
	GeoJSON             json.RawMessage `json:"geojson"`
	SyncWithTraccar     bool            `json:"syncWithTraccar"`
	Vehicles            []string        `json:"vehicles" validate:"dive,required"`
	DefaultActivityType string          `json:"defaultActivityType"`
}

func (req locationRequest) location(id string) model.Location {
	return model.Location{
		ID:                  id,
		Name:                strings.TrimSpace(req.Name),
		Address:             req.Address,
		GeoJSON:             []byte(req.GeoJSON),
		SyncWithTraccar:     req.SyncWithTraccar,
		Vehicles:            req.Vehicles,
		DefaultActivityType: req.DefaultActivityType,
	}
}

// validateRequest wraps validator failures in errInvalidRequest.
func validateRequest(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", errInvalidRequest, strings.Join(msgs, "; "))
}
