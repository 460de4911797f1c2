// Command taxi is the command-line client of the taxi session core.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/taxi-session/internal/app"
	"github.com/and161185/taxi-session/internal/config"
	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/identity"
	"github.com/and161185/taxi-session/internal/logger"
	"github.com/and161185/taxi-session/internal/migrate"
	"github.com/and161185/taxi-session/internal/notify"
	"github.com/and161185/taxi-session/internal/registration"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `taxi CLI
Usage:
  taxi [global flags] <cmd> [args]

Commands:
  version
  migrate         [up|down|status]                   (database migrations, default up)
  register-rider  -name -email -password -phone -province -area -address [-photo file]
  register-driver -name -age -phone -vehicle-type -vehicle-model -vehicle-number -vehicle-color
                  -province -area -address -photo file
                  -id-front file -id-back file -license-front file -license-back file
                  [-email e -password p | -link]   (new driver account, or link the signed-in one)
  login           -email <email> -password <password>   ('-' reads the password from stdin)
  logout
  whoami
  toggle-availability
  edit-profile    -set key=value [-set key=value ...]
  reconcile                                          (clean up failed registrations)

Global flags:
`

// main runs one command and exits non-zero on failure.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		fail(err)
	}
}

type cli struct {
	a   *app.App
	in  io.Reader
	out io.Writer
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	cfg, rest, err := config.Load("taxi", args, os.Getenv, errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(errOut, usageText)
		}
		return err
	}
	if len(rest) < 1 {
		usage(errOut)
		return flag.ErrHelp
	}
	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "version":
		fmt.Fprintf(out, "taxi %s (%s)\n", version, buildDate)
		return nil
	case "migrate":
		if cfg.DB == "memory" {
			return errors.New("migrate needs a postgres -dsn")
		}
		direction := migrate.Up
		if len(cmdArgs) > 0 {
			direction = cmdArgs[0]
		}
		if err := migrate.Run(ctx, cfg.DSN, direction); err != nil {
			return fmt.Errorf("migrate %s: %w", direction, err)
		}
		fmt.Fprintln(out, "ok")
		return nil
	}

	log, err := logger.New(cfg.Dev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if !cfg.Dev {
		log = log.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}

	a, err := app.Build(ctx, cfg, log, notify.NewConsole(out, in), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	// Replay the persisted sign-in state so the controller starts from it.
	a.Controller.HandleEvent(ctx, identity.Event{Identity: a.Provider.Current(ctx)})

	c := &cli{a: a, in: in, out: out}
	switch cmd {
	case "register-rider":
		return c.registerRider(ctx, cmdArgs)
	case "register-driver":
		return c.registerDriver(ctx, cmdArgs)
	case "login":
		return c.login(ctx, cmdArgs)
	case "logout":
		_, err := a.Controller.Logout(ctx)
		return err
	case "whoami":
		s := a.Controller.Current()
		if s == nil {
			fmt.Fprintln(out, "signed out")
			return nil
		}
		printJSON(out, s)
		return nil
	case "toggle-availability":
		on, err := a.Controller.ToggleAvailability(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "isAvailable=%t\n", on)
		return nil
	case "edit-profile":
		return c.editProfile(ctx, cmdArgs)
	case "reconcile":
		n, err := a.Reconciler.Sweep(ctx)
		fmt.Fprintf(out, "cleared %d\n", n)
		return err
	default:
		usage(errOut)
		return flag.ErrHelp
	}
}

func (c *cli) registerRider(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register-rider", flag.ContinueOnError)
	var f registration.RiderForm
	fs.StringVar(&f.FullName, "name", "", "full name")
	fs.StringVar(&f.Email, "email", "", "e-mail")
	fs.StringVar(&f.Password, "password", "", "password ('-' = stdin)")
	fs.StringVar(&f.Phone, "phone", "", "phone")
	fs.StringVar(&f.Province, "province", "", "province")
	fs.StringVar(&f.Area, "area", "", "area")
	fs.StringVar(&f.Address, "address", "", "address")
	photo := fs.String("photo", "", "profile photo file (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if f.Password, err = c.password(f.Password); err != nil {
		return err
	}
	if f.Photo, err = loadFile(*photo); err != nil {
		return err
	}
	id, err := c.a.Rider.Register(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, id.UID)
	return nil
}

func (c *cli) registerDriver(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register-driver", flag.ContinueOnError)
	var f registration.DriverForm
	fs.StringVar(&f.Email, "email", "", "e-mail of a new driver account (optional)")
	fs.StringVar(&f.Password, "password", "", "password of the new account ('-' = stdin)")
	fs.StringVar(&f.FullName, "name", "", "full name")
	fs.IntVar(&f.Age, "age", 0, "age")
	fs.StringVar(&f.Phone, "phone", "", "phone")
	fs.StringVar(&f.VehicleType, "vehicle-type", "", "vehicle type")
	fs.StringVar(&f.VehicleModel, "vehicle-model", "", "vehicle model")
	fs.StringVar(&f.VehicleNumber, "vehicle-number", "", "plate number")
	fs.StringVar(&f.VehicleColor, "vehicle-color", "", "vehicle color")
	fs.StringVar(&f.Province, "province", "", "province")
	fs.StringVar(&f.Area, "area", "", "area")
	fs.StringVar(&f.Address, "address", "", "address")
	photo := fs.String("photo", "", "profile photo file")
	docs := make(map[string]*string, len(registration.DocumentOrder))
	for _, name := range registration.DocumentOrder {
		docs[name] = fs.String(name, "", name+" document file")
	}
	link := fs.Bool("link", false, "link the application to the signed-in account")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if f.Password, err = c.password(f.Password); err != nil {
		return err
	}
	if f.Photo, err = loadFile(*photo); err != nil {
		return err
	}
	f.Documents = map[string]registration.File{}
	for name, p := range docs {
		if *p == "" {
			continue
		}
		if f.Documents[name], err = loadFile(*p); err != nil {
			return err
		}
	}
	if *link {
		s := c.a.Controller.Current()
		if s == nil {
			return errs.ErrNotSignedIn
		}
		f.UID = s.UID
	}

	id, err := c.a.Driver.Register(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, id)
	return nil
}

func (c *cli) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "e-mail")
	pass := fs.String("password", "", "password ('-' = stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *pass == "" {
		return errors.New("need -email and -password")
	}
	p, err := c.password(*pass)
	if err != nil {
		return err
	}
	_, err = c.a.Controller.Login(ctx, *email, p)
	return err
}

func (c *cli) editProfile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("edit-profile", flag.ContinueOnError)
	fields := fieldsFlag{}
	fs.Var(fields, "set", "key=value (repeatable; JSON values are decoded)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.a.Controller.UpdateProfile(ctx, fields)
}

func (c *cli) password(p string) (string, error) {
	if p != "-" {
		return p, nil
	}
	b, err := io.ReadAll(c.in)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// fieldsFlag collects repeated key=value flags.
type fieldsFlag map[string]any

func (f fieldsFlag) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (f fieldsFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("want key=value, got %q", s)
	}
	var decoded any
	if err := json.Unmarshal([]byte(v), &decoded); err != nil {
		decoded = v
	}
	f[k] = decoded
	return nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func loadFile(p string) (registration.File, error) {
	if p == "" {
		return registration.File{}, nil
	}
	b, err := readAll(p)
	if err != nil {
		return registration.File{}, err
	}
	name := filepath.Base(p)
	if p == "-" {
		name = "stdin"
	}
	return registration.File{Name: name, Data: b}, nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage(w io.Writer) {
	fmt.Fprint(w, usageText)
	_, _, _ = config.Load("taxi", []string{"-h"}, func(string) string { return "" }, w)
}

func fail(err error) {
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		fmt.Fprintf(os.Stderr, "invalid input: %s\n", ve.Error())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
