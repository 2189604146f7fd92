package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tsession/internal/realtime"
	"github.com/tyemirov/tsession/internal/sessionkit"
	"github.com/tyemirov/tsession/pkg/accesstoken"
	"go.uber.org/zap"
)

var errNotSignedIn = errors.New("sessionctl.not_signed_in")

// refreshCheckInterval is how often watch compares the access token expiry against
// refresh_margin.
var refreshCheckInterval = 15 * time.Second

func newLoginCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: runWithClient(func(command *cobra.Command, runtime *clientRuntime) error {
			email, _ := command.Flags().GetString("email")
			credential, err := runtime.session.Auth.Login(command.Context(), email, passwordFlag(command, "password"))
			if err != nil {
				return err
			}
			fmt.Fprintf(command.OutOrStdout(), "signed in as %s (role %s)\n", credential.IdentityKey, credential.Role)
			return nil
		}),
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password; falls back to TSESSION_PASSWORD")
	return command
}

func newRegisterCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "register",
		Short: "Create an account; a one-time code is mailed for verification",
		RunE: runWithClient(func(command *cobra.Command, runtime *clientRuntime) error {
			email, _ := command.Flags().GetString("email")
			fullName, _ := command.Flags().GetString("name")
			role, _ := command.Flags().GetString("role")
			result, err := runtime.session.Auth.Register(command.Context(), sessionkit.RegisterRequest{
				Email:    email,
				Password: passwordFlag(command, "password"),
				FullName: fullName,
				Role:     role,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(command.OutOrStdout(), "registered %s (otp sent: %t)\n", result.Username, result.OTPSent)
			return nil
		}),
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password; falls back to TSESSION_PASSWORD")
	command.Flags().String("name", "", "Full name")
	command.Flags().String("role", "", "Requested role; USER when empty")
	return command
}

func newSendOTPCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "send-otp",
		Short: "Request a one-time code by email",
		RunE: runWithClient(func(command *cobra.Command, runtime *clientRuntime) error {
			email, _ := command.Flags().GetString("email")
			err := runtime.session.Auth.SendOTP(command.Context(), email)
			var rateLimited *sessionkit.RateLimitError
			if errors.As(err, &rateLimited) {
				return fmt.Errorf("rate limited, retry in %s: %w", formatDuration(rateLimited.RetryAfter), err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(command.OutOrStdout(), "code sent")
			return nil
		}),
	}
	command.Flags().String("email", "", "Account email")
	return command
}

func newVerifyOTPCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "verify-otp",
		Short: "Sign in with a one-time code",
		RunE: runWithClient(func(command *cobra.Command, runtime *clientRuntime) error {
			email, _ := command.Flags().GetString("email")
			code, _ := command.Flags().GetString("otp")
			credential, err := runtime.session.Auth.VerifyOTP(command.Context(), email, code)
			if err != nil {
				return err
			}
			fmt.Fprintf(command.OutOrStdout(), "signed in as %s (role %s)\n", credential.IdentityKey, credential.Role)
			return nil
		}),
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("otp", "", "One-time code")
	return command
}

func newResetPasswordCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password using a one-time code",
		RunE: runWithClient(func(command *cobra.Command, runtime *clientRuntime) error {
			email, _ := command.Flags().GetString("email")
			code, _ := command.Flags().GetString("otp")
			if err := runtime.session.Auth.ResetPassword(command.Context(), email, code, passwordFlag(command, "new_password")); err != nil {
				return err
			}
			fmt.Fprintln(command.OutOrStdout(), "password updated")
			return nil
		}),
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("otp", "", "One-time code")
	command.Flags().String("new_password", "", "New password; falls back to TSESSION_PASSWORD")
	return command
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session remotely and clear it locally",
		RunE: runWithClient(func(command *cobra.Command, runtime *clientRuntime) error {
			err := runtime.session.Auth.Logout(command.Context())
			fmt.Fprintln(command.OutOrStdout(), "signed out")
			if err != nil {
				runtime.logger.Warn("logout incomplete", zap.String("code", "sessionctl.logout.partial"), zap.Error(err))
			}
			return err
		}),
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		RunE: runWithClient(func(command *cobra.Command, runtime *clientRuntime) error {
			credential := runtime.store.Get()
			out := command.OutOrStdout()
			fmt.Fprintf(out, "signed_in: %t\n", credential.SignedIn())
			fmt.Fprintf(out, "profile: %s (%s)\n", runtime.configuration.Profile, runtime.store.Driver())
			if !credential.SignedIn() {
				return nil
			}
			fmt.Fprintf(out, "identity: %s\n", credential.IdentityKey)
			fmt.Fprintf(out, "role: %s\n", credential.Role)
			fmt.Fprintf(out, "refresh_token: %s\n", presence(credential.RefreshToken))
			remaining, known := accesstoken.NewInspector(nil).Remaining(credential.AccessToken)
			switch {
			case !known:
				fmt.Fprintln(out, "access_expires_in: unknown")
			case remaining <= 0:
				fmt.Fprintln(out, "access_expires_in: expired")
			default:
				fmt.Fprintf(out, "access_expires_in: %s\n", formatDuration(remaining))
			}
			return nil
		}),
	}
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		RunE: runWithClient(func(command *cobra.Command, runtime *clientRuntime) error {
			if _, err := runtime.session.Auth.Refresh(command.Context()); err != nil {
				return err
			}
			credential := runtime.store.Get()
			fmt.Fprintf(command.OutOrStdout(), "refreshed session for %s\n", credential.IdentityKey)
			return nil
		}),
	}
}

func newWatchCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "watch",
		Short: "Stream realtime order events until interrupted",
		RunE: runWithClient(func(command *cobra.Command, runtime *clientRuntime) error {
			orders, _ := command.Flags().GetStringSlice("order")
			duration, _ := command.Flags().GetDuration("duration")
			refreshMargin, _ := command.Flags().GetDuration("refresh_margin")
			return watchOrders(command, runtime, orders, duration, refreshMargin)
		}),
	}
	command.Flags().StringSlice("order", []string{}, "Order rooms to join")
	command.Flags().Duration("duration", 0, "Stop after this long; zero watches until interrupted")
	command.Flags().Duration("refresh_margin", time.Minute, "Refresh the access token when it expires within this margin")
	return command
}

func watchOrders(command *cobra.Command, runtime *clientRuntime, orders []string, duration time.Duration, refreshMargin time.Duration) error {
	session := runtime.session
	if !session.Auth.IsSignedIn() {
		return errNotSignedIn
	}
	endpoint := runtime.configuration.RealtimeURL
	if endpoint == "" {
		derived, err := realtime.URLFromBase(session.BaseURL)
		if err != nil {
			return err
		}
		endpoint = derived
	}
	channel, err := realtime.NewChannel(realtime.Config{URL: endpoint}, realtime.Options{
		Dialer:      realtime.WebsocketDialer{},
		Credentials: session.Store,
		Logger:      runtime.logger,
		Metrics:     session.Metrics,
	})
	if err != nil {
		return err
	}

	watchCtx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancelTimeout context.CancelFunc
		watchCtx, cancelTimeout = context.WithTimeout(watchCtx, duration)
		defer cancelTimeout()
	}
	watchCtx, cancelWatch := context.WithCancelCause(watchCtx)
	defer cancelWatch(nil)

	printer := &linePrinter{out: command.OutOrStdout()}
	inspector := accesstoken.NewInspector(nil)

	subscription := session.Events.Subscribe(func(event sessionkit.SessionEvent) {
		printer.Printf("session %s: %s", event.Kind, event.Reason)
		cancelWatch(errNotSignedIn)
	})
	defer session.Events.Unsubscribe(subscription)

	channel.Observe(func(change realtime.StateChange) {
		printer.Printf("state %s -> %s", change.From, change.To)
		switch {
		case change.To == realtime.StateConnected:
			identifyCurrentUser(watchCtx, channel, session.Store.Get(), inspector, runtime.logger)
		case change.To == realtime.StateDisconnected && errors.Is(change.Err, realtime.ErrReconnectExhausted):
			cancelWatch(change.Err)
		}
	})
	channel.OnOrderUpdate(func(update realtime.OrderUpdate) {
		printer.Printf("order_update order=%s status=%s message=%q", update.OrderID, update.Status, update.Message)
	})
	channel.OnShipperLocation(func(location realtime.ShipperLocation) {
		printer.Printf("shipper_location order=%s shipper=%s lat=%.6f lng=%.6f", location.OrderID, location.ShipperID, location.Latitude, location.Longitude)
	})
	for _, orderID := range slices.Compact(slices.Sorted(slices.Values(orders))) {
		if err := channel.JoinRoom(orderID); err != nil {
			return err
		}
	}
	channel.Connect()
	defer channel.Disconnect()

	ticker := time.NewTicker(refreshCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-watchCtx.Done():
			printer.Printf("metrics %v", session.Metrics.Snapshot())
			cause := context.Cause(watchCtx)
			if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
				return nil
			}
			return cause
		case <-ticker.C:
			remaining, known := inspector.Remaining(session.Store.Get().AccessToken)
			if !known || remaining > refreshMargin {
				continue
			}
			if _, err := session.Auth.Refresh(watchCtx); err != nil {
				return err
			}
			printer.Printf("access token refreshed; reconnecting")
			channel.Rebuild()
		}
	}
}

func identifyCurrentUser(ctx context.Context, channel *realtime.Channel, credential sessionkit.Credential, inspector *accesstoken.Inspector, logger *zap.Logger) {
	claims, err := inspector.Inspect(credential.AccessToken)
	if err != nil || claims.GetUserID() == "" {
		return
	}
	if err := channel.Identify(ctx, claims.GetUserID(), credential.Role); err != nil {
		logger.Debug("identify skipped", zap.String("code", "sessionctl.watch.identify"), zap.Error(err))
	}
}

func passwordFlag(command *cobra.Command, name string) string {
	value, _ := command.Flags().GetString(name)
	if value != "" {
		return value
	}
	return viper.GetString("password")
}

func presence(value string) string {
	if value == "" {
		return "absent"
	}
	return "present"
}

type linePrinter struct {
	mutex sync.Mutex
	out   io.Writer
}

func (printer *linePrinter) Printf(format string, arguments ...any) {
	printer.mutex.Lock()
	defer printer.mutex.Unlock()
	fmt.Fprintf(printer.out, format+"\n", arguments...)
}
