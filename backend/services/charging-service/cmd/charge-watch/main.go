// Command charge-watch follows a charging session through the charging service API and
// stops it once a target state of charge, range, spend or duration is reached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"flashcharge/backend/libs/logging"
	"flashcharge/backend/services/charging-service/internal/auth"
	"flashcharge/backend/services/charging-service/internal/autostop"
	"flashcharge/backend/services/charging-service/internal/battery"
	"flashcharge/backend/services/charging-service/internal/clients"
)

type options struct {
	apiURL          string
	token           string
	jwtSecret       string
	userID          int64
	chargerID       string
	mode            string
	target          float64
	paid            float64
	price           float64
	refundThreshold float64
	interval        time.Duration
	timeout         time.Duration
}

func main() {
	opts := parseFlags()

	logger, err := logging.NewLogger("charge-watch")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("interrupted, session left running")
			return
		}
		logger.Fatal("charge-watch failed", zap.Error(err))
	}
}

func run(ctx context.Context, opts options, logger *zap.Logger) error {
	token := opts.token
	if token == "" && opts.jwtSecret != "" {
		minted, err := auth.NewTokenService(opts.jwtSecret, time.Hour).GenerateToken(opts.userID, "operator")
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		token = minted
	}
	api := clients.NewAPIClient(opts.apiURL, token, opts.timeout)

	mode, err := autostop.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	snap, err := api.Snapshot(ctx, opts.chargerID)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	start := autostop.ReadingFromSnapshot(snap)

	startTime := time.Now()
	active, err := api.Active(ctx, opts.chargerID)
	if err != nil {
		logger.Warn("active transaction lookup failed", zap.String("charger_id", opts.chargerID), zap.Error(err))
	} else if active.Active && !active.StartedAt.IsZero() {
		startTime = active.StartedAt
	}

	target := autostop.Target{
		Mode:          mode,
		Value:         opts.target,
		StartTime:     startTime,
		StartSOC:      start.SOC,
		StartRangeKm:  start.RangeKm,
		StartEnergyWh: start.EnergyWh,
		PaidAmount:    opts.paid,
	}
	controller, err := autostop.NewController(opts.chargerID, target, api, autostop.Options{
		PricePerKWh:     opts.price,
		RefundThreshold: opts.refundThreshold,
		OnProgress: func(r autostop.Reading, percent float64) {
			line := fmt.Sprintf("%s  soc %5.1f%%  range %6.1f km  energy %8.1f Wh  progress %5.1f%%",
				time.Now().Format(time.TimeOnly), r.SOC, r.RangeKm, r.EnergyWh, percent)
			if mode == autostop.ModeTime {
				line += "  remaining " + target.Remaining(time.Now()).Truncate(time.Second).String()
			}
			fmt.Println(line)
		},
	}, logger)
	if err != nil {
		return err
	}

	fmt.Printf("watching %s: stop at %s %s (start soc %.1f%%, range %.1f km)\n",
		opts.chargerID, strconv.FormatFloat(opts.target, 'f', -1, 64), mode, start.SOC, start.RangeKm)
	summary, err := controller.Run(ctx, api, opts.interval)
	if err != nil {
		return err
	}
	if summary.Reason == autostop.ReasonEndedElsewhere {
		fmt.Println("session ended without a target stop")
	}
	fmt.Println(summary.String())
	return nil
}

func parseFlags() options {
	opts := options{}
	flag.StringVar(&opts.apiURL, "api", getEnv("CHARGE_WATCH_API", "http://localhost:3000"), "charging service base URL")
	flag.StringVar(&opts.token, "token", getEnv("CHARGE_WATCH_TOKEN", ""), "bearer token")
	flag.StringVar(&opts.jwtSecret, "jwt-secret", getEnv("JWT_SECRET", ""), "mint a token with this secret when -token is empty")
	flag.Int64Var(&opts.userID, "user-id", 1, "user id for a minted token")
	flag.StringVar(&opts.chargerID, "charger", "", "charge point id (required)")
	flag.StringVar(&opts.mode, "mode", "soc", "target mode: soc, range, amount or time")
	flag.Float64Var(&opts.target, "target", 80, "target value in the mode's unit (percent, km, currency, minutes)")
	flag.Float64Var(&opts.paid, "paid", 0, "amount paid up front, for the refund estimate")
	flag.Float64Var(&opts.price, "price", battery.DefaultModel().PricePerKWh, "price per kWh")
	flag.Float64Var(&opts.refundThreshold, "refund-threshold", 0.5, "smallest overpayment reported as a refund")
	flag.DurationVar(&opts.interval, "interval", 10*time.Second, "poll interval")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per request timeout")
	flag.Parse()

	if opts.chargerID == "" {
		fmt.Fprintln(os.Stderr, "-charger is required")
		flag.Usage()
		os.Exit(2)
	}
	return opts
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
