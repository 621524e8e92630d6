package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"locsrc-svr/internal/link"
	"locsrc-svr/internal/location"
)

func registerBuiltins(d *Dispatcher, l Limits) {
	d.RegisterCommand(Command{
		Name:             "enable",
		Condition:        canEnable,
		Handler:          enable,
		DailyLimit:       l.Daily,
		SessionLimit:     l.Session,
		MinRetryInterval: l.MinInterval,
	})
	d.RegisterCommand(Command{
		Name:             "disable",
		Condition:        canDisable,
		Handler:          disable,
		DailyLimit:       l.Daily,
		SessionLimit:     l.Session,
		MinRetryInterval: l.MinInterval,
	})
	d.RegisterCommand(Command{
		Name:      "set_supl",
		Condition: canSetSupl,
		Handler: func(ctx context.Context, t Target, cmd link.Command) (string, error) {
			server := strings.TrimSpace(cmd.Supl)
			if err := t.SetSuplServer(ctx, server); err != nil {
				return "", err
			}
			d.store.SaveSupl(ctx, cmd.DeviceID, server)
			return server, nil
		},
		DailyLimit:       l.Daily,
		SessionLimit:     l.Session,
		MinRetryInterval: l.MinInterval,
	})
	d.RegisterCommand(Command{
		Name: "get_supl",
		Handler: func(ctx context.Context, t Target, _ link.Command) (string, error) {
			return t.SuplServer(ctx)
		},
	})
	d.RegisterCommand(Command{
		Name:             "serving",
		Handler:          d.serving,
		SessionLimit:     l.Session,
		MinRetryInterval: l.MinInterval,
	})
	d.RegisterCommand(Command{
		Name: "sources",
		Handler: func(_ context.Context, t Target, _ link.Command) (string, error) {
			return fmt.Sprintf("enabled=%s capabilities=%s", t.Enabled(), t.Capabilities()), nil
		},
	})
}

// The location manager panics on enable of an unsupported source and on
// disable of a source that is off; operator input is checked here first.

func parseSource(cmd link.Command) (location.Source, error) {
	s, err := location.ParseSource(cmd.Source)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadArgument, err)
	}
	return s, nil
}

func canEnable(t Target, cmd link.Command) error {
	s, err := parseSource(cmd)
	if err != nil {
		return err
	}
	if t.Capabilities()&s == 0 {
		return fmt.Errorf("%w: source %s", location.ErrUnsupported, s)
	}
	return nil
}

func canDisable(t Target, cmd link.Command) error {
	s, err := parseSource(cmd)
	if err != nil {
		return err
	}
	if !t.Enabled().Has(s) {
		return fmt.Errorf("%w: source %s is not enabled", ErrBadArgument, s)
	}
	return nil
}

func canSetSupl(t Target, cmd link.Command) error {
	if strings.TrimSpace(cmd.Supl) == "" {
		return fmt.Errorf("%w: empty supl server", ErrBadArgument)
	}
	if t.Capabilities()&location.SourceAGPS == 0 {
		return fmt.Errorf("%w: A-GPS", location.ErrUnsupported)
	}
	return nil
}

func enable(ctx context.Context, t Target, cmd link.Command) (string, error) {
	s, err := parseSource(cmd)
	if err != nil {
		return "", err
	}
	if err := t.Enable(ctx, s); err != nil {
		return "", err
	}
	return t.Enabled().String(), nil
}

func disable(ctx context.Context, t Target, cmd link.Command) (string, error) {
	s, err := parseSource(cmd)
	if err != nil {
		return "", err
	}
	if err := t.Disable(ctx, s); err != nil {
		return "", err
	}
	return t.Enabled().String(), nil
}
