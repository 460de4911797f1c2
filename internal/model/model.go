// Package model defines domain entities shared by the resolver, the session controller and the flows.
package model

import (
	"encoding/json"
	"maps"
)

// Collection tags which profile collection a record was found in.
type Collection string

const (
	// Rider is the tag of the rider collection (keyed by uid).
	Rider Collection = "user"
	// Driver is the tag of the driver collection (keyed by a synthetic driver id).
	Driver Collection = "driver"
)

// Tree paths of the two profile collections.
const (
	RidersPath  = "users"
	DriversPath = "drivers"
)

// Path returns the collection root in the remote tree.
func (c Collection) Path() string {
	if c == Driver {
		return DriversPath
	}
	return RidersPath
}

// DriverStatus is the verification state of a driver application.
type DriverStatus string

const (
	StatusPending  DriverStatus = "pending"
	StatusApproved DriverStatus = "approved"
	StatusRejected DriverStatus = "rejected"
)

// Identity is the externally authenticated principal. Empty strings mean absent.
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// Record is a profile record as stored in the remote tree (a JSON object).
type Record map[string]any

// String returns the string value under key, or "" when missing or not a string.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Bool returns the bool value under key.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// RiderProfile is the rider collection shape.
type RiderProfile struct {
	UID      string
	FullName string
	Email    string
	Phone    string
	Province string
	Area     string
	Address  string
	PhotoURL string
}

// Record converts the profile to its stored form. createdAt is filled by the writer.
func (p RiderProfile) Record() Record {
	return Record{
		"uid":      p.UID,
		"fullName": p.FullName,
		"email":    p.Email,
		"phone":    p.Phone,
		"province": p.Province,
		"area":     p.Area,
		"address":  p.Address,
		"photoUrl": nullable(p.PhotoURL),
		"userType": string(Rider),
	}
}

// DriverProfile is the driver collection shape.
type DriverProfile struct {
	ID            string
	UID           string
	FullName      string
	Age           int
	Phone         string
	VehicleType   string
	VehicleModel  string
	VehicleNumber string
	VehicleColor  string
	Province      string
	Area          string
	Address       string
	PhotoURL      string
	Documents     map[string]string
	Status        DriverStatus
	IsVerified    bool
	IsAvailable   bool
}

// Record converts the profile to its stored form. createdAt/lastUpdated are filled by the writer.
func (p DriverProfile) Record() Record {
	docs := make(map[string]any, len(p.Documents))
	for k, v := range p.Documents {
		docs[k] = v
	}
	r := Record{
		"id":            p.ID,
		"fullName":      p.FullName,
		"age":           p.Age,
		"phone":         p.Phone,
		"vehicleType":   p.VehicleType,
		"vehicleModel":  p.VehicleModel,
		"vehicleNumber": p.VehicleNumber,
		"vehicleColor":  p.VehicleColor,
		"province":      p.Province,
		"area":          p.Area,
		"address":       p.Address,
		"photoUrl":      nullable(p.PhotoURL),
		"documents":     docs,
		"status":        string(p.Status),
		"isVerified":    p.IsVerified,
		"isAvailable":   p.IsAvailable,
	}
	if p.UID != "" {
		r["uid"] = p.UID
	}
	return r
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Canonical SessionState keys.
const (
	KeyUID      = "uid"
	KeyEmail    = "email"
	KeyFullName = "fullName"
	KeyPhotoURL = "photoUrl"
	KeyUserType = "userType"
)

// SessionState is the merged, cached, UI-facing view of Identity + ProfileRecord.
// Fields carries passthrough profile fields; canonical keys never appear in it.
type SessionState struct {
	UID      string
	Email    string
	FullName string
	PhotoURL string // "" serializes as null
	UserType Collection
	Fields   map[string]any
}

// IsDriver reports whether the session belongs to a driver.
func (s *SessionState) IsDriver() bool { return s != nil && s.UserType == Driver }

// DriverID returns the synthetic driver id carried in the passthrough fields.
func (s *SessionState) DriverID() string {
	if s == nil {
		return ""
	}
	id, _ := s.Fields["id"].(string)
	return id
}

// Field returns a passthrough field.
func (s *SessionState) Field(key string) any {
	if s == nil {
		return nil
	}
	return s.Fields[key]
}

// Clone returns a copy whose Fields map can be mutated independently (shallow values).
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.Fields = maps.Clone(s.Fields)
	if c.Fields == nil {
		c.Fields = map[string]any{}
	}
	return &c
}

// WithField returns a clone with a passthrough field set.
func (s *SessionState) WithField(key string, v any) *SessionState {
	c := s.Clone()
	c.Fields[key] = v
	return c
}

// MarshalJSON writes the flat cached form: passthrough fields plus canonical keys.
func (s SessionState) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Fields)+5)
	for k, v := range s.Fields {
		out[k] = v
	}
	out[KeyUID] = s.UID
	out[KeyEmail] = s.Email
	out[KeyFullName] = s.FullName
	out[KeyPhotoURL] = nullable(s.PhotoURL)
	out[KeyUserType] = string(s.UserType)
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat cached form.
func (s *SessionState) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	str := func(k string) string {
		v, _ := raw[k].(string)
		delete(raw, k)
		return v
	}
	*s = SessionState{
		UID:      str(KeyUID),
		Email:    str(KeyEmail),
		FullName: str(KeyFullName),
		PhotoURL: str(KeyPhotoURL),
		UserType: Collection(str(KeyUserType)),
		Fields:   raw,
	}
	return nil
}
