package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/facebookgo/inject"
	"github.com/facebookgo/startstop"
	flag "github.com/jessevdk/go-flags"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/telemetryhq/tracecore/collect"
	"github.com/telemetryhq/tracecore/config"
	"github.com/telemetryhq/tracecore/logger"
	"github.com/telemetryhq/tracecore/metrics"
	"github.com/telemetryhq/tracecore/sample"
	"github.com/telemetryhq/tracecore/transmit"
	"github.com/telemetryhq/tracecore/types"
)

// set by the build.
var BuildID string

type Options struct {
	ConfigFile string `short:"c" long:"config" description:"Path to config file"`
	Traces     int    `short:"n" long:"traces" description:"Number of traces to generate" default:"10"`
	Spans      int    `short:"s" long:"spans" description:"Spans per trace" default:"3"`
	Service    string `long:"service" description:"Service name override"`
	Version    bool   `short:"v" long:"version" description:"Print version number and exit"`
}

func main() {
	var opts Options
	flagParser := flag.NewParser(&opts, flag.Default)
	if extraArgs, err := flagParser.Parse(); err != nil || len(extraArgs) != 0 {
		fmt.Println("command line parsing error - call with --help for usage")
		os.Exit(1)
	}

	version := "dev"
	if BuildID != "" {
		version = "0." + BuildID
	}
	if opts.Version {
		fmt.Println("Version: " + version)
		os.Exit(0)
	}

	c, err := config.Load(opts.ConfigFile)
	if err != nil {
		fmt.Printf("unable to load config: %v\n", err)
		os.Exit(1)
	}
	if opts.Service != "" {
		c.Service = opts.Service
	}

	lgr := &logger.LogrusLogger{}
	if err := lgr.SetLevel(c.LogLevel); err != nil {
		fmt.Printf("unable to set logging level: %v\n", err)
		os.Exit(1)
	}

	metricsr := &metrics.PromMetrics{ListenAddr: c.MetricsListenAddr, Prefix: "tracegen"}
	transmission := &transmit.AgentTransmission{
		Clock:    clockwork.NewRealClock(),
		AgentURL: c.AgentURL,
	}

	var g inject.Graph
	err = g.Provide(
		&inject.Object{Value: lgr},
		&inject.Object{Value: metricsr, Name: "metrics"},
		&inject.Object{Value: transmission},
		&inject.Object{Value: version, Name: "version"},
	)
	if err != nil {
		fmt.Printf("failed to provide injection graph. error: %+v\n", err)
		os.Exit(1)
	}
	if err := g.Populate(); err != nil {
		fmt.Printf("failed to populate injection graph. error: %+v\n", err)
		os.Exit(1)
	}

	// the logger provided to startstop must be valid before any component is
	// started, so make a plain one just for this step
	ststLogger := logrus.New()
	level, _ := logrus.ParseLevel(c.LogLevel)
	ststLogger.SetLevel(level)

	defer startstop.Stop(g.Objects(), ststLogger)
	if err := startstop.Start(g.Objects(), ststLogger); err != nil {
		fmt.Printf("failed to start components. error: %+v\n", err)
		os.Exit(1)
	}

	rules, err := c.Rules()
	if err != nil {
		fmt.Printf("invalid sampling rules: %v\n", err)
		os.Exit(1)
	}
	limiter := sample.NewLimiter(
		clockwork.NewRealClock(),
		c.SamplingLimit.MaxTokens,
		c.SamplingLimit.RefreshInterval(),
		c.SamplingLimit.TokensPerRefresh,
	)
	sampler := sample.NewRulesSampler(lgr, metricsr, rules, limiter)
	transmission.RateSetter = sampler

	buffer := collect.NewSpanBuffer(lgr, metricsr, sampler, transmission, collect.Options{
		Hostname:      c.Hostname,
		AnalyticsRate: c.AnalyticsRate,
		Enabled:       c.Enabled,
	})

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < opts.Traces; i++ {
		generateTrace(buffer, c, rng, opts.Spans)
	}

	if err := buffer.Flush(5 * time.Second); err != nil {
		lgr.Errorf("flush failed: %s", err)
	}
	lgr.Infof("generated %d traces of %d spans", opts.Traces, opts.Spans)
}

// generateTrace pushes one synthetic trace through the buffer: a root span
// plus children, registered up front and finished children-first the way a
// real tracer would.
func generateTrace(buffer *collect.SpanBuffer, c *config.Config, rng *rand.Rand, spans int) {
	traceID := rng.Uint64()
	rootID := rng.Uint64()
	now := time.Now().UnixNano()

	name := "tracegen.request"
	if c.OperationNameOverride != "" {
		name = c.OperationNameOverride
	}

	buffer.RegisterSpan(types.SpanContext{TraceID: traceID, SpanID: rootID})
	children := make([]*types.SpanData, 0, spans-1)
	for i := 1; i < spans; i++ {
		spanID := rng.Uint64()
		buffer.RegisterSpan(types.SpanContext{TraceID: traceID, SpanID: spanID})
		children = append(children, &types.SpanData{
			TraceID:  traceID,
			SpanID:   spanID,
			ParentID: rootID,
			Service:  c.Service,
			Name:     name,
			Resource: fmt.Sprintf("child-%d", i),
			Start:    now,
			Duration: int64(time.Millisecond),
			Meta:     map[string]string{"env": c.Env},
		})
	}
	for _, child := range children {
		buffer.FinishSpan(child)
	}
	buffer.FinishSpan(&types.SpanData{
		TraceID:  traceID,
		SpanID:   rootID,
		Service:  c.Service,
		Name:     name,
		Resource: "root",
		Start:    now,
		Duration: int64(2 * time.Millisecond),
		Meta:     map[string]string{"env": c.Env},
	})
}
