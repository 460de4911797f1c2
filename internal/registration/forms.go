// Package registration implements the rider and driver sign-up flows.
package registration

import (
	"strings"

	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/validate"
)

// File is an uploaded file.
type File struct {
	Name string
	Data []byte
}

// Empty reports whether no file was attached.
func (f File) Empty() bool { return len(f.Data) == 0 }

// safeName keeps only the last path element of a client-supplied file name.
func (f File) safeName() string {
	n := f.Name
	if i := strings.LastIndexAny(n, `/\`); i >= 0 {
		n = n[i+1:]
	}
	if n == "" || n == "." || n == ".." {
		return "upload"
	}
	return n
}

// Driver document names, in upload order.
const (
	DocIDFront      = "id-front"
	DocIDBack       = "id-back"
	DocLicenseFront = "license-front"
	DocLicenseBack  = "license-back"
)

// DocumentOrder is the fixed order in which driver documents are uploaded.
var DocumentOrder = []string{DocIDFront, DocIDBack, DocLicenseFront, DocLicenseBack}

// RiderForm is the rider sign-up form. Photo is optional.
type RiderForm struct {
	FullName string `json:"fullName" validate:"notblank"`
	Email    string `json:"email" validate:"notblank,email"`
	Password string `json:"password" validate:"notblank,min=6"`
	Phone    string `json:"phone" validate:"notblank"`
	Province string `json:"province" validate:"notblank"`
	Area     string `json:"area" validate:"notblank"`
	Address  string `json:"address" validate:"notblank"`
	Photo    File   `json:"-"`
}

// Validate checks that every required field is present and well formed.
func (f RiderForm) Validate() error { return validate.Struct(f) }

// DriverForm is the driver application form.
//
// UID links the application to an existing identity that has no profile yet.
// Email and Password instead create a new identity for the driver. With neither,
// the application is recorded without an identity.
type DriverForm struct {
	UID           string          `json:"uid"`
	Email         string          `json:"email" validate:"omitempty,excluded_with=UID,email"`
	Password      string          `json:"password" validate:"required_with=Email,omitempty,min=6"`
	FullName      string          `json:"fullName" validate:"notblank"`
	Age           int             `json:"age" validate:"gt=0"`
	Phone         string          `json:"phone" validate:"notblank"`
	VehicleType   string          `json:"vehicleType" validate:"notblank"`
	VehicleModel  string          `json:"vehicleModel" validate:"notblank"`
	VehicleNumber string          `json:"vehicleNumber" validate:"notblank"`
	VehicleColor  string          `json:"vehicleColor" validate:"notblank"`
	Province      string          `json:"province" validate:"notblank"`
	Area          string          `json:"area" validate:"notblank"`
	Address       string          `json:"address" validate:"notblank"`
	Photo         File            `json:"-"`
	Documents     map[string]File `json:"-"`
}

// Validate checks the fields and that exactly five files are attached:
// the profile photo and one file per name in DocumentOrder.
func (f DriverForm) Validate() error {
	if err := validate.Struct(f); err != nil {
		return err
	}
	if f.Photo.Empty() {
		return errs.Invalid("photo", "required")
	}
	for _, name := range DocumentOrder {
		if f.Documents[name].Empty() {
			return errs.Invalid(name, "required")
		}
	}
	if len(f.Documents) != len(DocumentOrder) {
		return errs.Invalid("documents", "exactly four documents are expected")
	}
	return nil
}
