package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"smartpark-worker-go/internal/api"
	"smartpark-worker-go/internal/api/handlers"
	"smartpark-worker-go/internal/config"
	"smartpark-worker-go/internal/metrics"
	"smartpark-worker-go/internal/models"
	"smartpark-worker-go/internal/services/backend"
	"smartpark-worker-go/internal/services/fusion"
	"smartpark-worker-go/internal/services/kafka"
	"smartpark-worker-go/internal/services/messaging"
	"smartpark-worker-go/internal/services/mqtt"
	"smartpark-worker-go/internal/services/objectdetect"
	"smartpark-worker-go/internal/services/orchestrator"
	"smartpark-worker-go/internal/services/performance"
	"smartpark-worker-go/internal/services/publisher/mjpeg"
	"smartpark-worker-go/internal/services/sink"
	"smartpark-worker-go/internal/services/snapshot"
	"smartpark-worker-go/internal/services/streamcapture"
	"smartpark-worker-go/internal/services/threshold"
)

// ServiceContainer holds all services
type ServiceContainer struct {
	Config       *config.Config
	Registry     *prometheus.Registry
	Metrics      *metrics.SmartParkMetrics
	Tracker      *performance.Tracker
	Threshold    *threshold.Detector
	Object       *objectdetect.Detector
	Fusion       *fusion.Engine
	Orchestrator *orchestrator.Orchestrator
	Backend      *backend.Client
	Messaging    *messaging.Service
	MQTT         *mqtt.Publisher
	Kafka        *kafka.Producer
	Snapshots    *snapshot.Store
	Stream       *mjpeg.Publisher
	Capture      *streamcapture.Service

	controlSub *nats.Subscription
	logger     zerolog.Logger
}

// ControlMessage is accepted on the NATS control subject
type ControlMessage struct {
	Mode       string   `json:"mode,omitempty"`
	Threshold  *int     `json:"threshold,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// NewServiceContainer creates a new service container. Detectors and sinks that fail
// to start are logged and left out; only a missing initial mode is fatal.
func NewServiceContainer(ctx context.Context, cfg *config.Config, zones []models.Zone, logger zerolog.Logger) (*ServiceContainer, error) {
	sc := &ServiceContainer{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	sc.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewSmartParkMetrics(sc.Registry)
	if err != nil {
		return nil, err
	}
	sc.Metrics = m
	sc.Tracker = performance.NewTracker(cfg.PerformanceHistorySize, m, logger.With().Str("service", "performance").Logger())

	sc.initDetectors()

	sc.initSinks(ctx)
	events := sc.eventSink()

	mode, err := models.ParseDetectionMode(cfg.DetectionMode)
	if err != nil {
		sc.shutdownSinks(ctx)
		sc.closeDetectors()
		return nil, err
	}

	opts := orchestrator.Options{
		Zones:          zones,
		InitialMode:    mode,
		Sink:           events,
		SinkName:       sc.sinkName(),
		VehicleTypeIDs: cfg.VehicleTypeIDs,
		Tracker:        sc.Tracker,
		Metrics:        sc.Metrics,
		ExportDir:      cfg.MetricsExportDir,
		Logger:         logger.With().Str("service", "orchestrator").Logger(),
	}
	if sc.Threshold != nil {
		opts.Threshold = sc.Threshold
	}
	if sc.Object != nil {
		opts.Object = sc.Object
	}
	if sc.Fusion != nil {
		opts.Fusion = sc.Fusion
	}
	if sc.Backend != nil {
		opts.Heartbeat = sc.Backend
	}

	sc.Orchestrator, err = orchestrator.New(opts)
	if err != nil {
		sc.shutdownSinks(ctx)
		sc.closeDetectors()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	sc.initSnapshots(ctx)

	captureOpts := streamcapture.Options{
		Source:                 cfg.VideoSource,
		Loop:                   cfg.VideoLoop,
		MaxFPS:                 cfg.MaxFPS,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		FPSLogInterval:         cfg.FPSLogInterval,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		SendEvents:             events != nil,
	}
	if cfg.APIEnabled && cfg.StreamEnabled {
		sc.Stream = mjpeg.NewPublisher(sc.Orchestrator, cfg.StreamQuality, cfg.StreamMaxFPS, logger.With().Str("service", "mjpeg").Logger())
		captureOpts.Observer = sc.Stream
	}
	sc.Capture = streamcapture.NewService(captureOpts, sc.Orchestrator, nil, logger.With().Str("service", "capture").Logger())

	if sc.Messaging != nil {
		subject := sc.ControlSubject()
		sub, err := sc.Messaging.Subscribe(subject, sc.handleControl)
		if err != nil {
			logger.Warn().Err(err).Str("subject", subject).Msg("Control subject unavailable")
		} else {
			sc.controlSub = sub
			logger.Info().Str("subject", subject).Msg("Listening for control messages")
		}
	}

	return sc, nil
}

func (sc *ServiceContainer) initDetectors() {
	cfg := sc.Config

	tcfg := threshold.Config{
		Threshold:        cfg.ThresholdValue,
		ScaleFactor:      cfg.ScaleFactor,
		AdaptiveMaxValue: cfg.AdaptiveMaxValue,
		AdaptiveMethod:   cfg.AdaptiveMethod,
		ThresholdType:    cfg.ThresholdType,
		BlockSize:        cfg.BlockSize,
		CConstant:        cfg.CConstant,
		MedianBlurKsize:  cfg.MedianBlurKsize,
		DilateKernelSize: cfg.DilateKernelSize,
		DilateIterations: cfg.DilateIterations,
	}
	if det, err := threshold.New(tcfg, sc.logger.With().Str("detector", "threshold").Logger()); err != nil {
		sc.logger.Error().Err(err).Msg("Threshold detector unavailable")
	} else {
		sc.Threshold = det
	}

	if cfg.ObjectEnabled {
		ocfg := objectdetect.DefaultConfig()
		ocfg.ModelPath = cfg.ModelPath
		ocfg.Confidence = cfg.ObjectConfidence
		ocfg.IOU = cfg.ObjectIOU
		ocfg.Device = cfg.ObjectDevice
		ocfg.ImageSize = cfg.ObjectImageSize
		ocfg.MaxDetections = cfg.ObjectMaxDetections
		ocfg.OverlapThreshold = cfg.OverlapThreshold
		if cfg.FreeConfidence > 0 {
			ocfg.FreeConfidence = cfg.FreeConfidence
		}

		if det, err := objectdetect.New(ocfg, objectdetect.ONNXSource{}, sc.logger.With().Str("detector", "object").Logger()); err != nil {
			sc.logger.Error().Err(err).Str("model", cfg.ModelPath).Msg("Object detector unavailable")
		} else {
			sc.Object = det
		}
	}

	if sc.Threshold != nil && sc.Object != nil {
		fcfg, err := fusionConfig(cfg)
		if err != nil {
			sc.logger.Error().Err(err).Str("strategy", cfg.FusionStrategy).Msg("Invalid fusion settings, hybrid mode disabled")
			return
		}

		if engine, err := fusion.New(fcfg, sc.logger.With().Str("service", "fusion").Logger()); err != nil {
			sc.logger.Error().Err(err).Msg("Fusion engine unavailable, hybrid mode disabled")
		} else {
			sc.Fusion = engine
		}
	}
}

// fusionConfig maps worker settings onto the fusion engine, resolving strategy aliases
func fusionConfig(cfg *config.Config) (fusion.Config, error) {
	strategy, err := fusion.ParseStrategy(cfg.FusionStrategy)
	if err != nil {
		return fusion.Config{}, err
	}

	fcfg := fusion.DefaultConfig()
	fcfg.Strategy = strategy
	fcfg.ThresholdWeight = cfg.ThresholdWeight
	fcfg.ObjectWeight = cfg.ObjectWeight
	fcfg.ConfidenceAdjustment = cfg.ConfidenceAdjustment
	return fcfg, fcfg.Validate()
}

func (sc *ServiceContainer) initSinks(ctx context.Context) {
	cfg := sc.Config

	if cfg.BackendEnabled {
		sc.Backend = backend.NewClient(backend.Config{
			BaseURL:       cfg.BackendURL,
			APIKey:        cfg.APIKey,
			HardwareCode:  cfg.HardwareCode,
			LotID:         cfg.LotID,
			Timeout:       cfg.BackendTimeout,
			RetryAttempts: cfg.RetryAttempts,
			RetryDelay:    cfg.RetryDelay,
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
		}, sc.logger.With().Str("service", "backend").Logger())

		if resp := sc.Backend.TestConnection(ctx); !resp.Success {
			sc.logger.Warn().Str("url", cfg.BackendURL).Str("error", resp.ErrorMessage).Msg("Backend not reachable yet, events will be retried")
		}
		sc.Backend.Start(ctx)
	}

	if cfg.NatsEnabled {
		svc, err := messaging.NewService(cfg, sc.logger.With().Str("service", "nats").Logger())
		if err != nil {
			sc.logger.Warn().Err(err).Str("url", cfg.NatsURL).Msg("NATS sink disabled")
		} else {
			sc.Messaging = svc
		}
	}

	if cfg.MQTTEnabled {
		pub, err := mqtt.NewPublisher(mqtt.Config{
			Broker:         cfg.MQTTBroker,
			ClientID:       cfg.MQTTClientID,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			QoS:            byte(cfg.MQTTQoS),
			Retain:         cfg.MQTTRetain,
			ConnectTimeout: cfg.MQTTConnectTimeout,
			PublishTimeout: cfg.MQTTConnectTimeout,
		}, sc.logger.With().Str("service", "mqtt").Logger())
		if err != nil {
			sc.logger.Warn().Err(err).Str("broker", cfg.MQTTBroker).Msg("MQTT sink disabled")
		} else {
			sc.MQTT = pub
		}
	}

	if cfg.KafkaEnabled {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaClientID, sc.logger.With().Str("service", "kafka").Logger())
		if err != nil {
			sc.logger.Warn().Err(err).Strs("brokers", cfg.KafkaBrokers).Msg("Kafka sink disabled")
		} else {
			sc.Kafka = producer
		}
	}
}

// sinks lists the enabled event sinks in delivery order
func (sc *ServiceContainer) sinks() (names []string, sinks []models.EventSink) {
	if sc.Backend != nil {
		names = append(names, "backend")
		sinks = append(sinks, sc.Backend)
	}
	if sc.Messaging != nil {
		names = append(names, "nats")
		sinks = append(sinks, sink.NewPublisherSink(sc.Messaging, sc.Config.NatsSubject, sc.Config.HardwareCode))
	}
	if sc.MQTT != nil {
		names = append(names, "mqtt")
		sinks = append(sinks, sink.NewPublisherSink(sc.MQTT, sc.Config.MQTTTopic, sc.Config.HardwareCode))
	}
	if sc.Kafka != nil {
		names = append(names, "kafka")
		sinks = append(sinks, sink.NewPublisherSink(sc.Kafka, sc.Config.KafkaTopic, sc.Config.HardwareCode))
	}
	return names, sinks
}

func (sc *ServiceContainer) eventSink() models.EventSink {
	_, sinks := sc.sinks()
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return sink.Fanout(sinks)
	}
}

func (sc *ServiceContainer) sinkName() string {
	names, _ := sc.sinks()
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return "fanout"
	}
}

func (sc *ServiceContainer) initSnapshots(ctx context.Context) {
	cfg := sc.Config
	if cfg.SnapshotDir == "" {
		return
	}

	var uploader snapshot.Uploader
	if cfg.MinioEnabled {
		client, err := snapshot.NewMinioClient(ctx, snapshot.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			sc.logger.Warn().Err(err).Str("endpoint", cfg.MinioEndpoint).Msg("Snapshot upload disabled")
		} else {
			uploader = client
		}
	}

	store, err := snapshot.NewStore(cfg.SnapshotDir, cfg.SnapshotQuality, cfg.HardwareCode, uploader, cfg.MinioBucket, sc.logger.With().Str("service", "snapshot").Logger())
	if err != nil {
		sc.logger.Warn().Err(err).Str("dir", cfg.SnapshotDir).Msg("Snapshots disabled")
		return
	}
	sc.Snapshots = store
}

// ControlSubject is where runtime control messages arrive over NATS
func (sc *ServiceContainer) ControlSubject() string {
	return fmt.Sprintf("%s.control.%s", sc.Config.NatsSubject, sc.Config.HardwareCode)
}

func (sc *ServiceContainer) handleControl(data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sc.logger.Warn().Err(err).Msg("Ignoring malformed control message")
		return
	}

	if msg.Mode != "" {
		if !sc.Orchestrator.SwitchModeByName(msg.Mode) {
			sc.logger.Warn().Str("mode", msg.Mode).Msg("Control mode switch rejected")
		}
	}
	if msg.Threshold != nil {
		if sc.Threshold == nil || *msg.Threshold <= 0 {
			sc.logger.Warn().Int("threshold", *msg.Threshold).Msg("Control threshold update rejected")
		} else {
			sc.Threshold.UpdateThreshold(*msg.Threshold)
		}
	}
	if msg.Confidence != nil {
		if sc.Object == nil {
			sc.logger.Warn().Msg("Control confidence update rejected: object detector unavailable")
		} else {
			sc.Object.UpdateConfidence(*msg.Confidence)
		}
	}
}

// APIDependencies hands the control API the components it steers
func (sc *ServiceContainer) APIDependencies() api.Dependencies {
	deps := api.Dependencies{
		Pipeline: sc.Orchestrator,
		Tracker:  sc.Tracker,
		Registry: sc.Registry,
		Sinks:    make(map[string]handlers.ConnectionChecker),
	}
	if sc.Threshold != nil {
		deps.Threshold = sc.Threshold
	}
	if sc.Object != nil {
		deps.Object = sc.Object
	}
	if sc.Snapshots != nil {
		deps.Snapshots = sc.Snapshots
	}
	if sc.Stream != nil {
		deps.Stream = sc.Stream
	}
	if sc.Capture != nil {
		deps.Capture = sc.Capture
	}
	if sc.Backend != nil {
		deps.Sinks["backend"] = sc.Backend
	}
	if sc.Messaging != nil {
		deps.Sinks["nats"] = sc.Messaging
	}
	if sc.MQTT != nil {
		deps.Sinks["mqtt"] = sc.MQTT
	}
	return deps
}

// Run captures frames until ctx ends or the source is exhausted
func (sc *ServiceContainer) Run(ctx context.Context) error {
	return sc.Capture.Run(ctx)
}

// Shutdown gracefully shuts down all services
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	var errs []error

	if sc.controlSub != nil {
		if err := sc.controlSub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe control: %w", err))
		}
	}

	if sc.Orchestrator != nil {
		if err := sc.Orchestrator.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, sc.shutdownSinks(ctx)...)
	sc.closeDetectors()

	return errors.Join(errs...)
}

func (sc *ServiceContainer) shutdownSinks(ctx context.Context) []error {
	var errs []error
	if sc.Backend != nil {
		if err := sc.Backend.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("backend: %w", err))
		}
	}
	if sc.Messaging != nil {
		if err := sc.Messaging.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	if sc.MQTT != nil {
		sc.MQTT.Close()
	}
	if sc.Kafka != nil {
		if err := sc.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	}
	return errs
}

func (sc *ServiceContainer) closeDetectors() {
	if sc.Object != nil {
		if err := sc.Object.Close(); err != nil {
			sc.logger.Warn().Err(err).Msg("Failed to close object detector")
		}
	}
	if sc.Threshold != nil {
		if err := sc.Threshold.Close(); err != nil {
			sc.logger.Warn().Err(err).Msg("Failed to close threshold detector")
		}
	}
}
