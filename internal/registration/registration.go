package registration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/taxi-session/internal/blob"
	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/locator"
	"github.com/and161185/taxi-session/internal/metrics"
	"github.com/and161185/taxi-session/internal/model"
	"github.com/and161185/taxi-session/internal/notify"
	"github.com/and161185/taxi-session/internal/treedb"
)

// Roles as recorded in metrics and the orphan ledger.
const (
	RoleRider  = "rider"
	RoleDriver = "driver"
)

// Provider is the part of the identity provider used by sign-up.
type Provider interface {
	SignUp(ctx context.Context, email, password string) (model.Identity, error)
	UpdateProfile(ctx context.Context, uid string, upd model.ProfileUpdate) error
}

// Profiles finds the profile record of a uid in either collection.
type Profiles interface {
	Locate(ctx context.Context, uid string) (locator.Match, error)
}

// Handoff receives control once a profile record is written.
type Handoff interface {
	Refresh(ctx context.Context)
}

// Deps are the collaborators shared by both flows.
type Deps struct {
	Provider Provider
	DB       treedb.DB
	Profiles Profiles
	Blobs    blob.Store
	Notifier notify.Notifier
	Ledger   *Ledger
	Handoff  Handoff
	Metrics  metrics.Recorder
	Log      *zap.Logger
	Now      func() time.Time
}

func (d *Deps) defaults() {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Ledger == nil {
		d.Ledger = NewLedger(d.DB, d.Log)
	}
	if d.Profiles == nil {
		d.Profiles = locator.New(d.DB)
	}
}

func (d *Deps) upload(ctx context.Context, path string, f File) (string, error) {
	url, err := d.Blobs.Upload(ctx, path, bytes.NewReader(f.Data))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", errs.ErrUploadFailure, path, err)
	}
	return url, nil
}

func (d *Deps) finish(ctx context.Context, role string, err error) error {
	if err == nil {
		d.Metrics.RecordRegistration(role, "ok")
		return nil
	}
	d.Metrics.RecordRegistration(role, errs.Kind(err).Error())
	d.Notifier.Toast(ctx, errs.Message(err), notify.Error)
	return err
}

func (d *Deps) handoff(ctx context.Context) {
	if d.Handoff != nil {
		d.Handoff.Refresh(ctx)
	}
}

// Rider registers riders.
type Rider struct{ d Deps }

// NewRider constructs the rider flow.
func NewRider(d Deps) *Rider {
	d.defaults()
	return &Rider{d: d}
}

// Register creates the identity, uploads the optional photo and writes users/<uid>.
// A failure after the identity exists is recorded in the orphan ledger.
func (r *Rider) Register(ctx context.Context, f RiderForm) (model.Identity, error) {
	id, err := r.register(ctx, f)
	return id, r.d.finish(ctx, RoleRider, err)
}

func (r *Rider) register(ctx context.Context, f RiderForm) (model.Identity, error) {
	if err := f.Validate(); err != nil {
		return model.Identity{}, err
	}
	id, err := r.d.Provider.SignUp(ctx, f.Email, f.Password)
	if err != nil {
		return model.Identity{}, err
	}
	log := r.d.Log.With(zap.String("uid", id.UID))
	orphan := Orphan{Key: id.UID, Role: RoleRider, UID: id.UID}
	abandon := func(err error) (model.Identity, error) {
		orphan.Reason = err.Error()
		r.d.Ledger.Record(ctx, orphan)
		return model.Identity{}, err
	}

	var photoURL string
	if !f.Photo.Empty() {
		path := treedb.Join(model.RidersPath, id.UID, strconv.FormatInt(r.d.Now().UnixMilli(), 10)+"_"+f.Photo.safeName())
		if photoURL, err = r.d.upload(ctx, path, f.Photo); err != nil {
			return abandon(err)
		}
		orphan.Blobs = append(orphan.Blobs, path)
	}

	upd := model.ProfileUpdate{DisplayName: &f.FullName}
	if photoURL != "" {
		upd.PhotoURL = &photoURL
	}
	if err := r.d.Provider.UpdateProfile(ctx, id.UID, upd); err != nil {
		return abandon(fmt.Errorf("update provider profile: %w", err))
	}

	rec := model.RiderProfile{
		UID:      id.UID,
		FullName: f.FullName,
		Email:    f.Email,
		Phone:    f.Phone,
		Province: f.Province,
		Area:     f.Area,
		Address:  f.Address,
		PhotoURL: photoURL,
	}.Record()
	rec["createdAt"] = treedb.ServerTimestamp
	if err := r.d.DB.Set(ctx, treedb.Join(model.RidersPath, id.UID), rec); err != nil {
		return abandon(fmt.Errorf("%w: %v", errs.ErrWriteFailure, err))
	}

	log.Info("rider registered")
	r.d.Notifier.Toast(ctx, "Registration successful! Welcome, "+f.FullName, notify.Success)
	id.DisplayName = f.FullName
	id.PhotoURL = photoURL
	r.d.handoff(ctx)
	return id, nil
}

// Driver registers driver applications.
type Driver struct {
	d   Deps
	ids IDGenerator
}

// NewDriver constructs the driver flow. ids defaults to TimestampIDs.
func NewDriver(d Deps, ids IDGenerator) *Driver {
	d.defaults()
	if ids == nil {
		ids = TimestampIDs{Now: d.Now}
	}
	return &Driver{d: d, ids: ids}
}

// Register validates the whole form before any I/O, uploads the photo and the four
// documents in DocumentOrder, then writes drivers/<id>. It returns the driver id.
//
// A linked UID must not have a profile yet, so every uid keeps at most one record.
// With Email and Password the flow creates the driver's identity itself.
func (r *Driver) Register(ctx context.Context, f DriverForm) (string, error) {
	id, err := r.register(ctx, f)
	return id, r.d.finish(ctx, RoleDriver, err)
}

func (r *Driver) register(ctx context.Context, f DriverForm) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	if f.UID != "" {
		if err := r.unclaimed(ctx, f.UID); err != nil {
			return "", err
		}
	}
	id := r.ids.NewID()
	orphan := Orphan{Key: id, Role: RoleDriver}
	abandon := func(err error) (string, error) {
		orphan.Reason = err.Error()
		r.d.Ledger.Record(ctx, orphan)
		return "", err
	}

	uid := f.UID
	if f.Email != "" {
		ident, err := r.d.Provider.SignUp(ctx, f.Email, f.Password)
		if err != nil {
			return "", err
		}
		uid = ident.UID
		orphan.UID = uid
	}
	log := r.d.Log.With(zap.String("driverId", id), zap.String("uid", uid))

	put := func(path string, file File) (string, error) {
		url, err := r.d.upload(ctx, path, file)
		if err == nil {
			orphan.Blobs = append(orphan.Blobs, path)
		}
		return url, err
	}

	base := treedb.Join(model.DriversPath, id)
	photoURL, err := put(treedb.Join(base, "profile_photo"), f.Photo)
	if err != nil {
		return abandon(err)
	}
	docs := make(map[string]string, len(DocumentOrder))
	for _, name := range DocumentOrder {
		url, err := put(treedb.Join(base, "documents", name), f.Documents[name])
		if err != nil {
			return abandon(err)
		}
		docs[name] = url
	}

	if orphan.UID != "" {
		upd := model.ProfileUpdate{DisplayName: &f.FullName, PhotoURL: &photoURL}
		if err := r.d.Provider.UpdateProfile(ctx, uid, upd); err != nil {
			return abandon(fmt.Errorf("update provider profile: %w", err))
		}
	}

	rec := model.DriverProfile{
		ID:            id,
		UID:           uid,
		FullName:      f.FullName,
		Age:           f.Age,
		Phone:         f.Phone,
		VehicleType:   f.VehicleType,
		VehicleModel:  f.VehicleModel,
		VehicleNumber: f.VehicleNumber,
		VehicleColor:  f.VehicleColor,
		Province:      f.Province,
		Area:          f.Area,
		Address:       f.Address,
		PhotoURL:      photoURL,
		Documents:     docs,
		Status:        model.StatusPending,
	}.Record()
	rec["createdAt"] = treedb.ServerTimestamp
	rec["lastUpdated"] = treedb.ServerTimestamp
	if err := r.d.DB.Set(ctx, base, rec); err != nil {
		return abandon(fmt.Errorf("%w: %v", errs.ErrWriteFailure, err))
	}

	log.Info("driver registered")
	r.d.Notifier.Toast(ctx, fmt.Sprintf("Registration submitted! Your driver ID is %s", id), notify.Success)
	if uid != "" {
		r.d.handoff(ctx)
	}
	return id, nil
}

// unclaimed fails when uid already owns a rider or driver record.
func (r *Driver) unclaimed(ctx context.Context, uid string) error {
	m, err := r.d.Profiles.Locate(ctx, uid)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("check existing profile: %w", err)
	}
	kind := RoleRider
	if m.Collection == model.Driver {
		kind = RoleDriver
	}
	return errs.Invalid("uid", "already has a "+kind+" profile")
}
