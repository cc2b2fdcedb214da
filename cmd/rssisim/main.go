// Command rssisim publishes synthetic RSSI readings for a beacon at a fixed
// position, one topic per anchor, so beacontrackd can be exercised without
// receivers.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/config"
	"github.com/beacontrack/beacontrack/pkg/logx"
	"github.com/beacontrack/beacontrack/pkg/pathloss"
)

func main() {
	var (
		configFile = flag.String("config", "/etc/beacontrack/beacontrack.yaml", "YAML config file with the anchor layout")
		broker     = flag.String("broker", "", "MQTT broker host (defaults to the config file)")
		beaconX    = flag.Float64("x", 1.0, "Beacon x position")
		beaconY    = flag.Float64("y", 1.0, "Beacon y position")
		noise      = flag.Float64("noise", 2.0, "Standard deviation of RSSI noise in dB")
		interval   = flag.Duration("interval", 200*time.Millisecond, "Delay between rounds")
		count      = flag.Int("count", 0, "Number of rounds, 0 runs until interrupted")
		logLevel   = flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	)
	flag.Parse()

	logger := logx.New(*logLevel)

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Error("Failed to load config", "error", err, "config_file", *configFile)
		os.Exit(1)
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}

	anchors := cfg.InitialAnchors()
	if len(anchors) == 0 {
		anchors = defaultLayout()
		logger.Info("No anchors in config, using default layout", "anchors", len(anchors))
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Broker, cfg.MQTT.Port))
	opts.SetClientID(fmt.Sprintf("rssisim-%d", os.Getpid()))
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	client := MQTT.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		logger.Error("Failed to connect to MQTT broker", "broker", cfg.MQTT.Broker, "error", token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	beacon := pkg.Point{X: *beaconX, Y: *beaconY}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	logger.Info("Publishing simulated RSSI",
		"broker", cfg.MQTT.Broker,
		"prefix", cfg.MQTT.TopicPrefix,
		"beacon_x", beacon.X,
		"beacon_y", beacon.Y,
	)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for round := 0; *count == 0 || round < *count; round++ {
		for _, a := range anchors {
			rssi := simulate(a, beacon, cfg.PathLossExponent, *noise, rng)
			topic := cfg.MQTT.TopicPrefix + "/" + a.ID
			payload := strconv.FormatFloat(rssi, 'f', 2, 64)
			t := client.Publish(topic, byte(cfg.MQTT.QoS), false, payload)
			t.Wait()
			if err := t.Error(); err != nil {
				logger.Warn("Publish failed", "topic", topic, "error", err)
				continue
			}
			logger.Debug("Published", "topic", topic, "rssi", payload)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func simulate(a pkg.AnchorConfig, beacon pkg.Point, exponent, noise float64, rng *rand.Rand) float64 {
	d := math.Hypot(a.Position.X-beacon.X, a.Position.Y-beacon.Y)
	rssi := pathloss.RSSI(d, a.ReferencePower, exponent)
	return rssi + rng.NormFloat64()*noise
}

func defaultLayout() []pkg.AnchorConfig {
	return []pkg.AnchorConfig{
		{ID: "1", Position: pkg.Point{X: 0, Y: 0}, ReferencePower: pkg.DefaultReferencePower},
		{ID: "2", Position: pkg.Point{X: 4, Y: 0}, ReferencePower: pkg.DefaultReferencePower},
		{ID: "3", Position: pkg.Point{X: 0, Y: 4}, ReferencePower: pkg.DefaultReferencePower},
		{ID: "4", Position: pkg.Point{X: 4, Y: 4}, ReferencePower: pkg.DefaultReferencePower},
	}
}
