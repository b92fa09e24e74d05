package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callkit/internal/call"
	"github.com/meshtalk/callkit/internal/config"
	"github.com/meshtalk/callkit/internal/gateway"
	"github.com/meshtalk/callkit/internal/invite"
	"github.com/meshtalk/callkit/internal/lifecycle"
	"github.com/meshtalk/callkit/internal/logging"
	"github.com/meshtalk/callkit/internal/protocol"
	"github.com/meshtalk/callkit/internal/rtm"
	"github.com/meshtalk/callkit/internal/signaling"
)

func main() {
	dial := flag.String("dial", "", "comma-separated account ids to call")
	conversation := flag.String("conversation", "", "conversation id for the call")
	roomName := flag.String("room-name", "", "display name for the call")
	group := flag.Bool("group", false, "start a group call instead of 1:1")
	autoAccept := flag.Bool("auto-accept", false, "accept every incoming call")
	flag.Parse()

	config.LoadEnv()
	logging.Init()

	cfg, err := config.New[config.ClientConfig]()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.ParseKeysAsBytes(); err != nil {
		log.Fatal().Err(err).Msg("failed to parse keys")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, *autoAccept)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start client")
	}

	go app.stream.Run(ctx)
	go app.controlLoop(ctx)
	go app.incomingLoop(ctx)

	if err := app.router.SyncCallingList(ctx); err != nil {
		log.Warn().Err(err).Msg("initial calling-list sync failed")
	}

	if *dial != "" {
		callees := strings.Split(*dial, ",")
		callType := call.TypeOneOnOne
		if *group {
			callType = call.TypeGroup
		}
		roomID, err := app.orchestrator.StartCall(ctx, *conversation, *roomName, callType, callees)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start call")
		}
		app.attachRoom(roomID)
		app.controller.MarkCalling(ctx, roomID)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
}

// app wires the client-side call stack for one device.
type app struct {
	cfg          *config.ClientConfig
	session      *call.Session
	registry     *call.Registry
	incoming     *call.IncomingState
	router       *signaling.Router
	controller   *lifecycle.Controller
	orchestrator *invite.Orchestrator
	messenger    *rtm.Messenger
	stream       *gateway.Stream
	composer     *gateway.Composer
	incomingCh   chan call.Record
	autoAccept   bool
	startedAt    time.Time
}

func newApp(ctx context.Context, cfg *config.ClientConfig, autoAccept bool) (*app, error) {
	a := &app{
		cfg:        cfg,
		session:    call.NewSession(),
		registry:   call.NewRegistry(),
		incoming:   call.NewIncomingState(),
		incomingCh: make(chan call.Record, 8),
		autoAccept: autoAccept,
	}

	httpBase := httpScheme(cfg.UseTls) + cfg.CallServerAddr
	client := gateway.NewHTTPClient(httpBase, cfg.AuthToken)
	keyring := gateway.NewRelayKeyring(httpBase, cfg.AuthToken)
	if err := keyring.RegisterKey(ctx, cfg.PkePublicKey); err != nil {
		return nil, fmt.Errorf("register device key: %w", err)
	}

	a.composer = gateway.NewComposer(cfg.MyID, cfg.MyDeviceID, client, keyring)

	identity := fmt.Sprintf("%s.%d", cfg.MyID, cfg.MyDeviceID)
	timeouts := call.NewTimeoutManager()

	reporter := lifecycle.NewErrorReporter(func(kind lifecycle.FailureKind, err error) {
		log.Error().Err(err).Str("kind", kind.String()).Msg("call failed")
	})

	wsBase := wsScheme(cfg.UseTls) + cfg.RelayServerAddr + "/v1/stream"
	a.router = signaling.NewRouter(cfg.MyID, a.registry, a.session, a.incoming, client, a, passDirectory{}, timeouts)
	a.stream = gateway.NewStream(wsBase, cfg.AuthToken, cfg.PkePrivateKey, func(ctx context.Context, env *protocol.Envelope) {
		if err := a.router.HandleEnvelope(ctx, env); err != nil {
			log.Warn().Err(err).Str("room_id", env.RoomID).Msg("envelope rejected")
		}
	}, func(data []byte) {
		a.messenger.Dispatch(data)
	})

	a.messenger = rtm.NewMessenger(identity, a.stream, rtm.Handlers{
		OnChat: func(sender string, p rtm.ChatPayload) {
			log.Info().Str("from", sender).Str("text", p.Text).Msg("chat")
		},
		OnMute: func(sender string) {
			log.Info().Str("from", sender).Msg("asked to mute")
		},
		OnResume: func(sender string) {
			log.Info().Str("from", sender).Msg("asked to resume")
		},
		OnEndCall: func(sender, roomID string) {
			a.session.PublishControl(call.ControlMessage{Action: call.ActionCallEnd, RoomID: roomID})
		},
		OnCountdown: func(topic string, p rtm.CountdownPayload) {
			log.Info().Str("op", topic).Int("seconds", p.Seconds).Msg("call countdown")
		},
		OnHandsUp: func(topic string, p rtm.HandsUpPayload) {
			log.Info().Str("op", topic).Str("identity", p.Identity).Msg("hand state")
		},
	})

	a.controller = lifecycle.NewController(a.session, a.registry, a.incoming, timeouts, a.composer, a.messenger, a, reporter)
	a.orchestrator = invite.NewOrchestrator(cfg.MyID, cfg.MyName, a.composer, a.session, a.registry)
	return a, nil
}

// controlLoop feeds live control messages into the lifecycle
// controller.
func (a *app) controlLoop(ctx context.Context) {
	ch, cancel := a.session.SubscribeControl()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			a.controller.HandleControl(ctx, msg, a.callDuration())
		}
	}
}

// incomingLoop reacts to incoming-call alerts outside the presenter
// callback.
func (a *app) incomingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-a.incomingCh:
			if !a.autoAccept {
				continue
			}
			a.controller.Accept(ctx, rec.RoomID)
			if err := a.composer.Joined(ctx, rec.RoomID); err != nil {
				log.Warn().Err(err).Msg("joined notice failed")
			}
			a.attachRoom(rec.RoomID)
			a.controller.MarkConnected(rec.RoomID)
			a.startedAt = time.Now()
			log.Info().Str("room_id", rec.RoomID).Msg("call accepted")
		}
	}
}

// attachRoom points the realtime channel at the active room.
func (a *app) attachRoom(roomID string) {
	a.stream.SetRoom(roomID)
	if rec := a.registry.Get(roomID); rec != nil && len(rec.EncryptionMeta) > 0 {
		a.messenger.SetCallKey(rec.EncryptionMeta)
	}
}

func (a *app) callDuration() time.Duration {
	if a.startedAt.IsZero() {
		return 0
	}
	return time.Since(a.startedAt)
}

// signaling.Presenter, backed by the log for a headless client.

func (a *app) ShowIncoming(rec call.Record) {
	log.Info().Str("room_id", rec.RoomID).Str("from", rec.Caller.UID).Str("name", rec.DisplayName).Msg("incoming call")
	select {
	case a.incomingCh <- rec:
	default:
	}
}

func (a *app) StopIncoming(roomID string) {
	log.Info().Str("room_id", roomID).Msg("incoming call stopped")
}

func (a *app) CancelNotification(roomID string) {}

func (a *app) PostCallText(conversationID, text string, timestamp int64) {
	log.Info().Str("conversation", conversationID).Str("text", text).Msg("call message")
}

func (a *app) DismissCriticalAlert(roomID string) {}

// lifecycle.Runtime, also headless.

func (a *app) ForegroundServiceRunning() bool { return false }
func (a *app) StopForegroundService()         {}
func (a *app) StopCallerRingtone()            {}
func (a *app) PlayHangupTone()                {}

func (a *app) ShowEndTip(action call.ActionType) {
	log.Info().Str("action", string(action)).Msg("call ended")
}

func (a *app) CloseCallScreen(roomID string) {
	a.startedAt = time.Time{}
	a.stream.SetRoom("")
}

// passDirectory accepts every announcement as coming from a known
// conversation; a real client resolves its contact store here.
type passDirectory struct{}

func (passDirectory) ConversationName(string, string) (string, bool) { return "", true }

func httpScheme(tls bool) string {
	if tls {
		return "https://"
	}
	return "http://"
}

func wsScheme(tls bool) string {
	if tls {
		return "wss://"
	}
	return "ws://"
}
