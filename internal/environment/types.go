package environment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"sifworks.org/internal/rights"
)

// ServiceType classifies a service within a zone.
type ServiceType string

const (
	ServiceObject         ServiceType = "OBJECT"
	ServiceFunctional     ServiceType = "FUNCTIONAL"
	ServiceUtility        ServiceType = "UTILITY"
	ServiceXQueryTemplate ServiceType = "XQUERYTEMPLATE"
	ServiceServicePath    ServiceType = "SERVICEPATH"
)

// DefaultContext names the context used when a request carries none.
const DefaultContext = "DEFAULT"

// Service is a service a consumer may call within a zone, with its rights.
type Service struct {
	Name      string      `json:"name"`
	Type      ServiceType `json:"type"`
	ContextID string      `json:"context_id,omitempty"`
	Rights    rights.Set
}

// Zone is a named partition of services.
type Zone struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Services    []Service `json:"services"`
}

// Service finds a service by name and type. An empty contextID matches the
// default context.
func (z *Zone) Service(name string, typ ServiceType, contextID string) (*Service, bool) {
	ctxID := normContext(contextID)
	for i := range z.Services {
		s := &z.Services[i]
		if s.Name == name && strings.EqualFold(string(s.Type), string(typ)) && normContext(s.ContextID) == ctxID {
			return s, true
		}
	}
	return nil, false
}

func normContext(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.EqualFold(id, DefaultContext) {
		return DefaultContext
	}
	return id
}

// Identity names a consumer application instance.
type Identity struct {
	ApplicationKey string `json:"application_key"`
	SolutionID     string `json:"solution_id,omitempty"`
	UserToken      string `json:"user_token,omitempty"`
	InstanceID     string `json:"instance_id,omitempty"`
}

// Environment is a registered consumer's context: its session token and the
// zones it may reach.
type Environment struct {
	ID                   uuid.UUID `json:"id"`
	SessionToken         string    `json:"session_token"`
	Identity             Identity  `json:"identity"`
	ConsumerName         string    `json:"consumer_name,omitempty"`
	AuthenticationMethod string    `json:"authentication_method"`
	DefaultZoneID        string    `json:"default_zone_id,omitempty"`
	Zones                []Zone    `json:"zones"`
	Created              time.Time `json:"created"`
}

// Zone resolves zoneID, or the default zone when zoneID is empty. An
// environment with a single zone uses it as the default.
func (e *Environment) Zone(zoneID string) (*Zone, bool) {
	if zoneID == "" {
		zoneID = e.DefaultZoneID
		if zoneID == "" && len(e.Zones) == 1 {
			return &e.Zones[0], true
		}
	}
	for i := range e.Zones {
		if e.Zones[i].ID == zoneID {
			return &e.Zones[i], true
		}
	}
	return nil, false
}

// ApplicationRegister is the provider's record of a consumer application:
// its shared secret and the zones granted to environments it registers.
type ApplicationRegister struct {
	ApplicationKey string
	SharedSecret   string
	DefaultZoneID  string
	Zones          []Zone
}

// Session ties a session token to the identity and environment it was issued for.
type Session struct {
	SessionToken  string
	Identity      Identity
	EnvironmentID uuid.UUID
	Created       time.Time
}

func cloneZones(zs []Zone) []Zone {
	out := make([]Zone, len(zs))
	for i, z := range zs {
		out[i] = Zone{ID: z.ID, Description: z.Description, Services: make([]Service, len(z.Services))}
		for j, s := range z.Services {
			s.Rights = s.Rights.Clone()
			out[i].Services[j] = s
		}
	}
	return out
}

// Clone deep-copies the environment.
func (e *Environment) Clone() *Environment {
	if e == nil {
		return nil
	}
	out := *e
	out.Zones = cloneZones(e.Zones)
	return &out
}

type serviceJSON struct {
	Name      string         `json:"name"`
	Type      ServiceType    `json:"type"`
	ContextID string         `json:"context_id,omitempty"`
	Rights    []rights.Right `json:"rights"`
}

func (s Service) MarshalJSON() ([]byte, error) {
	return json.Marshal(serviceJSON{Name: s.Name, Type: s.Type, ContextID: s.ContextID, Rights: s.Rights.Rights()})
}

func (s *Service) UnmarshalJSON(data []byte) error {
	var raw serviceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Service{Name: raw.Name, Type: raw.Type, ContextID: raw.ContextID, Rights: rights.NewSet(raw.Rights...)}
	return nil
}
