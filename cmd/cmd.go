// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/TheThingsNetwork/go-utils/handlers/cli"
	ttnlog "github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/go-utils/log/apex"
	"github.com/TheThingsNetwork/pktfwd-bridge/backend/amqp"
	"github.com/TheThingsNetwork/pktfwd-bridge/backend/dummy"
	"github.com/TheThingsNetwork/pktfwd-bridge/backend/mqtt"
	"github.com/TheThingsNetwork/pktfwd-bridge/backend/nats"
	"github.com/TheThingsNetwork/pktfwd-bridge/backend/pktfwd"
	"github.com/TheThingsNetwork/pktfwd-bridge/exchange"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware/blacklist"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware/deduplicate"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware/inject"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware/lorafilter"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware/ratelimit"
	"github.com/TheThingsNetwork/pktfwd-bridge/status/statusserver"
	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	redis "gopkg.in/redis.v5"
)

// BridgeCmd is the main command that is executed when running pktfwd-bridge
var BridgeCmd = &cobra.Command{
	Use:   "pktfwd-bridge",
	Short: "Bridge between Semtech packet forwarders and message brokers",
	Long: `pktfwd-bridge accepts traffic of gateways that run the Semtech UDP packet forwarder,
publishes their uplink and status messages to MQTT, AMQP or NATS and schedules
the downlink messages it receives from there.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, cli.New(os.Stdout))

		if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			logHandlers = append(logHandlers, json.New(logFile))
		}

		level, err := log.ParseLevel(config.GetString("log-level"))
		if err != nil {
			level = log.InfoLevel
		}

		ctx = &log.Logger{
			Level:   level,
			Handler: multi.New(logHandlers...),
		}
		ttnlog.Set(apex.Wrap(ctx))
	},
	Run: runBridge,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

// brokerRegexp matches user:pass@host:port
var brokerRegexp = regexp.MustCompile(`^(?:([0-9a-z_-]+)(?::([0-9A-Za-z-!"#$%&'()*+,.:;<=>?@[\]^_{|}~]+))?@)?([0-9a-z.-]+:[0-9]+)$`)

type broker struct {
	Username string
	Password string
	Address  string
}

func parseBroker(str string) (b broker, ok bool) {
	parts := brokerRegexp.FindStringSubmatch(str)
	if parts == nil {
		return b, false
	}
	return broker{Username: parts[1], Password: parts[2], Address: parts[3]}, true
}

func enabled(values []string) (res []string) {
	for _, value := range values {
		if value != "" && value != "disable" {
			res = append(res, value)
		}
	}
	return
}

func pktfwdConfig(config *viper.Viper) pktfwd.Config {
	return pktfwd.Config{
		Bind:             config.GetString("udp-bind"),
		KeepaliveTimeout: config.GetDuration("keepalive-timeout"),
		RetryTimeout:     config.GetDuration("retry-timeout"),
		MaxRetries:       config.GetInt("max-retries"),
		DedupWindow:      config.GetDuration("dedup-window"),
		AckMode:          pktfwd.AckMode(config.GetString("ack-mode")),
		SkipCRCCheck:     config.GetBool("skip-crc-check"),
		LockIP:           config.GetBool("lock-ip"),
		LockPort:         config.GetBool("lock-port"),
		BufferSize:       config.GetInt("buffer-size"),
	}
}

func buildMiddleware(redisClient *redis.Client) (chain middleware.Chain, cleanup func()) {
	cleanup = func() {}

	if lists := enabled(config.GetStringSlice("blacklist")); len(lists) > 0 {
		ctx.WithField("Lists", lists).Info("Initializing blacklist")
		b, err := blacklist.NewBlacklist(lists...)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize blacklist")
		}
		if refresh := config.GetDuration("blacklist-refresh"); refresh > 0 {
			b.WithRefresh(refresh)
		}
		chain = append(chain, b)
		cleanup = b.Close
	}

	if config.GetBool("lorafilter") {
		f := lorafilter.NewFilter()
		f.AllowProprietary = config.GetBool("lorafilter-allow-proprietary")
		chain = append(chain, f)
	}

	chain = append(chain, deduplicate.NewDeduplicate(config.GetDuration("deduplicate-window")))

	limits := ratelimit.Limits{
		Uplink:   config.GetInt("ratelimit-uplink"),
		Downlink: config.GetInt("ratelimit-downlink"),
		Status:   config.GetInt("ratelimit-status"),
	}
	if limits != (ratelimit.Limits{}) {
		if redisClient != nil {
			ctx.Info("Initializing Redis rate limiting")
			chain = append(chain, ratelimit.NewRedisRateLimit(redisClient, "", limits))
		} else {
			ctx.Info("Initializing memory rate limiting")
			chain = append(chain, ratelimit.NewRateLimit(limits))
		}
	}

	chain = append(chain, inject.NewInject(inject.Fields{
		FrequencyPlan:         config.GetString("frequency-plan"),
		GatewayFrequencyPlans: config.GetStringMapString("gateway-frequency-plans"),
		Bridge:                config.GetString("id"),
	}))

	return chain, cleanup
}

func runBridge(cmd *cobra.Command, args []string) {
	bridge := exchange.New(ctx, config.GetInt("buffer-size"))

	// Set up Redis
	var redisClient *redis.Client
	var previousGatewayIDs []string
	if config.GetBool("redis") {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.GetString("redis-address"),
			Password: config.GetString("redis-password"),
			DB:       config.GetInt("redis-db"),
		})
		ctx.Info("Initializing Redis state backend")
		previousGatewayIDs = bridge.InitRedisState(redisClient, "")
	}

	chain, closeMiddleware := buildMiddleware(redisClient)
	defer closeMiddleware()
	bridge.SetMiddleware(chain)

	// Set up the packet forwarder backend
	pf := pktfwd.New(pktfwdConfig(config), apex.Wrap(ctx))
	bridge.AddSouthbound(pf)

	// Set up the MQTT backends (from comma-separated list of user:pass@host:port)
	for _, mqttBroker := range enabled(config.GetStringSlice("mqtt")) {
		b, ok := parseBroker(mqttBroker)
		if !ok {
			ctx.WithField("Broker", mqttBroker).Fatal("Invalid MQTT broker")
		}
		ctx.WithField("Username", b.Username).WithField("Address", b.Address).Info("Initializing MQTT")
		mqtt, err := mqtt.New(mqtt.Config{
			Brokers:  []string{"tcp://" + b.Address},
			Username: b.Username,
			Password: b.Password,
		}, ctx)
		if err != nil {
			ctx.WithError(err).Fatalf("Could not initialize MQTT broker %s", b.Address)
		}
		bridge.AddNorthbound(mqtt)
	}

	// Set up the AMQP backends (from comma-separated list of user:pass@host:port)
	for _, amqpBroker := range enabled(config.GetStringSlice("amqp")) {
		b, ok := parseBroker(amqpBroker)
		if !ok {
			ctx.WithField("Broker", amqpBroker).Fatal("Invalid AMQP broker")
		}
		ctx.WithField("Username", b.Username).WithField("Address", b.Address).Info("Initializing AMQP")
		amqp, err := amqp.New(amqp.Config{
			Address:      b.Address,
			Username:     b.Username,
			Password:     b.Password,
			ExchangeName: config.GetString("amqp-exchange"),
		}, ctx)
		if err != nil {
			ctx.WithError(err).Fatalf("Could not initialize AMQP broker %s", b.Address)
		}
		bridge.AddNorthbound(amqp)
	}

	// Set up the NATS backends (from comma-separated list of URLs)
	for _, natsURL := range enabled(config.GetStringSlice("nats")) {
		ctx.WithField("URL", natsURL).Info("Initializing NATS")
		nats, err := nats.New(nats.Config{
			URL:      natsURL,
			Username: config.GetString("nats-username"),
			Password: config.GetString("nats-password"),
		}, ctx)
		if err != nil {
			ctx.WithError(err).Fatalf("Could not initialize NATS %s", natsURL)
		}
		bridge.AddNorthbound(nats)
	}

	if debugAddr := config.GetString("debug-http"); debugAddr != "" {
		ctx.WithField("Address", debugAddr).Info("Initializing debug HTTP server")
		bridge.AddNorthbound(dummy.New(ctx).WithHTTPServer(debugAddr))
	}

	// Set up the status server
	status := statusserver.New(ctx)
	status.SetGateways(func() interface{} { return pf.Gateways() })
	for _, key := range config.GetStringSlice("status-access-key") {
		status.AddAccessKey(key)
	}
	if httpAddr := config.GetString("http-address"); httpAddr != "" {
		go func() {
			ctx.WithField("Address", httpAddr).Info("Starting status HTTP server")
			if err := http.ListenAndServe(httpAddr, status.Handler()); err != nil {
				ctx.WithError(err).Fatal("Status HTTP server failed")
			}
		}()
	}
	if grpcAddr := config.GetString("grpc-address"); grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			ctx.WithError(err).Fatal("Could not listen for gRPC")
		}
		srv := grpc.NewServer()
		status.Register(srv)
		go srv.Serve(lis)
		defer srv.Stop()
	}

	if bridge.Start(30 * time.Second) {
		ctx.Info("All backends started")
	} else {
		ctx.Fatal("Not all backends started in time")
	}
	status.SetServing(true)

	defer func() {
		status.SetServing(false)
		bridge.Stop()
	}()

	if len(previousGatewayIDs) > 0 {
		ctx.Infof("Cleaning up %d gateways of the previous run", len(previousGatewayIDs))
		bridge.CleanupGateway(previousGatewayIDs...)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx.WithField("signal", <-sigChan).Info("signal received")
}

func init() {
	defaults := pktfwd.DefaultConfig()

	BridgeCmd.Flags().String("log-file", "", "Location of the log file")
	BridgeCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	BridgeCmd.Flags().String("udp-bind", defaults.Bind, "UDP address to listen on for packet forwarders")
	BridgeCmd.Flags().Duration("keepalive-timeout", defaults.KeepaliveTimeout, "Time after which a silent gateway is disconnected")
	BridgeCmd.Flags().Duration("retry-timeout", defaults.RetryTimeout, "Time to wait for a TX_ACK before a downlink is resent")
	BridgeCmd.Flags().Int("max-retries", defaults.MaxRetries, "Number of times a downlink is resent")
	BridgeCmd.Flags().Duration("dedup-window", defaults.DedupWindow, "Window in which a repeated PUSH_DATA is acknowledged but not forwarded")
	BridgeCmd.Flags().String("ack-mode", string(defaults.AckMode), "Downlink acknowledgement mode (ack, none)")
	BridgeCmd.Flags().Bool("skip-crc-check", false, "Forward uplink with a failed CRC")
	BridgeCmd.Flags().Bool("lock-ip", false, "Ignore traffic of a gateway from other IP addresses than the first one")
	BridgeCmd.Flags().Bool("lock-port", false, "Ignore traffic of a gateway from other ports than the first one")
	BridgeCmd.Flags().Int("buffer-size", defaults.BufferSize, "Size of the message buffers")

	BridgeCmd.Flags().StringSlice("mqtt", []string{"guest:guest@localhost:1883"}, "MQTT Broker to connect to (disable with \"disable\")")
	BridgeCmd.Flags().StringSlice("amqp", []string{"disable"}, "AMQP Broker to connect to (disable with \"disable\")")
	BridgeCmd.Flags().String("amqp-exchange", amqp.DefaultExchangeName, "AMQP exchange")
	BridgeCmd.Flags().StringSlice("nats", []string{}, "NATS server URL to connect to")
	BridgeCmd.Flags().String("nats-username", "", "NATS username")
	BridgeCmd.Flags().String("nats-password", "", "NATS password")
	BridgeCmd.Flags().String("debug-http", "", "Address of the debug HTTP server (empty to disable)")

	BridgeCmd.Flags().Bool("redis", false, "Use Redis for gateway state and rate limiting")
	BridgeCmd.Flags().String("redis-address", "localhost:6379", "Redis host and port")
	BridgeCmd.Flags().String("redis-password", "", "Redis password")
	BridgeCmd.Flags().Int("redis-db", 0, "Redis database")

	BridgeCmd.Flags().Int("ratelimit-uplink", 0, "Uplink messages per gateway per minute (0 is unlimited)")
	BridgeCmd.Flags().Int("ratelimit-downlink", 0, "Downlink messages per gateway per minute (0 is unlimited)")
	BridgeCmd.Flags().Int("ratelimit-status", 0, "Status messages per gateway per minute (0 is unlimited)")
	BridgeCmd.Flags().StringSlice("blacklist", []string{}, "Blacklist files or URLs")
	BridgeCmd.Flags().Duration("blacklist-refresh", 5*time.Minute, "Interval for fetching remote blacklists")
	BridgeCmd.Flags().Bool("lorafilter", true, "Drop traffic that is not LoRaWAN")
	BridgeCmd.Flags().Bool("lorafilter-allow-proprietary", false, "Let proprietary LoRaWAN messages pass")
	BridgeCmd.Flags().Duration("deduplicate-window", deduplicate.DefaultWindow, "Window for dropping repeated uplink messages")
	BridgeCmd.Flags().String("frequency-plan", "", "Frequency plan injected into status messages")

	BridgeCmd.Flags().String("id", "", "ID of this bridge")
	BridgeCmd.Flags().String("http-address", ":8080", "Address of the status HTTP server (empty to disable)")
	BridgeCmd.Flags().String("grpc-address", "", "Address of the gRPC health server (empty to disable)")
	BridgeCmd.Flags().StringSlice("status-access-key", []string{}, "Access keys for the gateway list of the status server")

	viper.BindPFlags(BridgeCmd.Flags())
}
