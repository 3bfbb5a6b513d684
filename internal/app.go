package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"jsongle/pkg/callstore"
	"jsongle/pkg/crypto"
	"jsongle/pkg/log"
	"jsongle/pkg/peer"
	"jsongle/pkg/protocol"
	"jsongle/pkg/session"
	"jsongle/pkg/signal"

	"github.com/google/uuid"
	"github.com/pion/datachannel"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

const (
	transportWebSocket = "ws"
	transportRedis     = "redis"
)

// transport is what a signaling implementation offers to the App.
type transport interface {
	session.Transport
	Listen(ctx context.Context) error
}

type App struct {
	peerID       string
	callee       string
	media        string
	transport    string
	relayURL     string
	relayListen  string
	redisAddr    string
	maxCalls     int
	sharedKey    string
	stunServers  []string
	metricsAddr  string
	logLevel     string
	autoAccept   bool
	setupTimeout time.Duration

	codec   signal.Codec
	redis   *redis.Client
	signal  transport
	store   session.CallStore
	handler *session.Handler
	peer    *peer.WebRTC

	setupTimer   *time.Timer
	setupTimerMx sync.Mutex

	ended chan struct{}
}

func NewApp() *App {
	return &App{
		peerID: uuid.New().String(),
		ended:  make(chan struct{}, 1),
	}
}

func (a *App) Setup() (err error) {
	a.parseCmdline()

	if err := log.SetupLogger(a.logLevel); err != nil {
		return errors.Wrap(err, "log level")
	}

	if len(a.relayListen) != 0 {
		return nil
	}

	if a.callee != "" && !protocol.Media(a.media).Valid() {
		return errors.Errorf("unsupported media %q", a.media)
	}

	if err := a.setupCodec(); err != nil {
		return err
	}

	if err := a.setupSignal(); err != nil {
		return err
	}

	a.handler = session.NewHandler(session.HandlerConfig{}, a.signal, a.store)
	a.registerObservers()

	a.peer, err = peer.NewWebRTC(peer.WebRTCConfig{
		STUN: a.stunServers,
	}, a.handler)
	if err != nil {
		return errors.Wrap(err, "peer connection")
	}

	a.peer.OnEstablish(a.onEstablish)

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	a.listenOS(cancel)
	a.serveMetrics(ctx)

	if len(a.relayListen) != 0 {
		return a.runRelayMode(ctx)
	}

	return a.runPeerMode(ctx, cancel)
}

func (a *App) parseCmdline() {
	// Peer options.
	pflag.StringVarP(&a.peerID, "peer", "i", a.peerID, "Identifier of this peer on the signaling transport")
	pflag.StringVarP(&a.callee, "call", "c", "", "Identifier of a peer to call, wait for incoming calls if not set")
	pflag.StringVarP(&a.media, "media", "m", string(protocol.MediaAudio), "Media of the proposed call: audio, video or data")
	pflag.BoolVarP(&a.autoAccept, "accept", "y", false, "Proceed with incoming calls as soon as they ring")
	pflag.DurationVarP(&a.setupTimeout, "setup-timeout", "T", 30*time.Second, "Time a call may take to be proceeded before it is cancelled, 0 to wait forever")
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")

	// Signaling options.
	pflag.StringVarP(&a.transport, "transport", "t", transportWebSocket, "Signaling transport: ws (relay) or redis (pub/sub)")
	pflag.StringVarP(&a.relayURL, "relay", "w", "ws://localhost:8080/relay", "URL of the WebSocket relay (see: --listen)")
	pflag.StringVarP(&a.redisAddr, "redis", "r", "localhost:6379", "Address of the Redis server used for pub/sub signaling and the call store")
	pflag.IntVarP(&a.maxCalls, "max-calls", "n", 1, "Number of calls this peer may hold at once across processes (redis transport only)")
	pflag.StringVarP(&a.sharedKey, "key", "k", "", "Key shared with the peer to seal the signaling envelopes")

	// Relay options.
	pflag.StringVarP(&a.relayListen, "listen", "l", "", "Run as a WebSocket relay listening on this address instead of a peer")

	// Common options.
	pflag.StringVarP(&a.metricsAddr, "metrics", "M", "", "Address to expose Prometheus metrics on")
	pflag.StringVarP(&a.logLevel, "log-level", "L", "info", "Log level: debug, info, warn or error")

	pflag.Parse()
}

func (a *App) setupCodec() error {
	if len(a.sharedKey) == 0 {
		a.codec = signal.JSONCodec{}

		return nil
	}

	aes, err := crypto.NewAesCbc(crypto.AesCbcConfig{
		Key: []byte(a.sharedKey),
	})
	if err != nil {
		return errors.Wrap(err, "signaling crypto")
	}

	a.codec = signal.NewSealedCodec(aes)

	return nil
}

func (a *App) setupSignal() (err error) {
	switch a.transport {
	case transportWebSocket:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ws, err := signal.DialWebSocket(ctx, signal.WebSocketConfig{
			URL:  a.relayURL,
			Peer: a.peerID,
		}, a.codec)
		if err != nil {
			return errors.Wrap(err, "signaling")
		}

		a.signal = signal.NewOutbox(ws)

		a.store = callstore.NewMemory()
	case transportRedis:
		a.redis = redis.NewClient(&redis.Options{Addr: a.redisAddr})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := a.redis.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "redis")
		}

		pubsub, err := signal.NewRedis(signal.RedisConfig{Peer: a.peerID}, a.redis, a.codec)
		if err != nil {
			return errors.Wrap(err, "signaling")
		}

		a.signal = signal.NewOutbox(pubsub)

		a.store, err = callstore.NewRedis(callstore.RedisConfig{
			Peer:  a.peerID,
			Limit: a.maxCalls,
		}, a.redis)
		if err != nil {
			return errors.Wrap(err, "call store")
		}
	default:
		return errors.Errorf("unknown transport %q", a.transport)
	}

	return nil
}

func (a *App) registerObservers() {
	a.handler.OnCall(func(c *protocol.Call) {
		log.Infof("%s call '%s' %s -> %s (%s)", c.Direction(), c.ID(), c.From(), c.To(), c.Media())

		a.armSetupTimer(c.ID())
	})

	a.handler.OnCallStateChanged(func(c *protocol.Call) {
		log.Infof("call '%s' is %s", c.ID(), c.State())

		switch c.State() {
		case protocol.StateRinging:
			if a.autoAccept && c.Direction() == protocol.DirectionIncoming {
				go a.proceed()
			}
		case protocol.StateProceeded:
			a.stopSetupTimer()
		}
	})

	a.handler.OnCallEnded(func(c *protocol.Call) {
		a.stopSetupTimer()

		log.Infof("call '%s' ended: %s", c.ID(), c.Reason())
	})

	a.handler.OnTicket(func(t protocol.Ticket) {
		payload, err := json.Marshal(t)
		if err != nil {
			log.Error(err)

			return
		}

		log.WithFields(log.Fields{"duration": t.Duration().String()}).Infof("ticket: %s", payload)

		select {
		case a.ended <- struct{}{}:
		default:
		}
	})

	a.handler.OnCallMuted(func(c *protocol.Call) {
		log.Infof("call '%s' muted by '%s'", c.ID(), c.Peer())
	})

	a.handler.OnCallUnmuted(func(c *protocol.Call) {
		log.Infof("call '%s' unmuted by '%s'", c.ID(), c.Peer())
	})

	a.handler.OnCustomData(func(c *protocol.Call, tag protocol.Reason, payload json.RawMessage) {
		log.Infof("call '%s' data '%s': %s", c.ID(), tag, payload)
	})
}

func (a *App) proceed() {
	if err := a.handler.Proceed(); err != nil {
		log.Warnf("accept: %s", err)
	}
}

// armSetupTimer cancels the call sid if it isn't proceeded in time.
func (a *App) armSetupTimer(sid string) {
	if a.setupTimeout <= 0 {
		return
	}

	a.setupTimerMx.Lock()
	defer a.setupTimerMx.Unlock()

	if a.setupTimer != nil {
		a.setupTimer.Stop()
	}

	a.setupTimer = time.AfterFunc(a.setupTimeout, func() {
		log.Warnf("call '%s' not proceeded within %s, cancelling", sid, a.setupTimeout)

		if err := a.handler.Cancel(); err != nil {
			log.Warnf("cancel: %s", err)
		}
	})
}

func (a *App) stopSetupTimer() {
	a.setupTimerMx.Lock()
	defer a.setupTimerMx.Unlock()

	if a.setupTimer != nil {
		a.setupTimer.Stop()
		a.setupTimer = nil
	}
}

func (a *App) onEstablish(channel datachannel.ReadWriteCloser) {
	log.Infof("data channel open to the peer")

	go func() {
		defer channel.Close()

		buf := make([]byte, 16384)

		for {
			n, err := channel.Read(buf)
			if err != nil {
				return
			}

			log.Debugf("data channel: %d bytes", n)
		}
	}()
}

func (a *App) runPeerMode(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting %s %s, Peer: %s", protocol.LibName(), protocol.Version(), a.peerID)
	defer log.Info("Ending ", protocol.LibName())

	if a.redis != nil {
		defer a.redis.Close()
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := a.signal.Listen(ctx); err != nil {
			log.Error(err)
			cancel()
		}
	}()

	defer a.peer.Close()

	if a.callee != "" {
		if _, err := a.handler.Propose(a.peerID, a.callee, protocol.Media(a.media)); err != nil {
			cancel()

			return errors.Wrap(err, "propose")
		}

		select {
		case <-ctx.Done():
		case <-a.ended:
		}
	} else {
		<-ctx.Done()
	}

	if a.handler.CurrentCall() != nil {
		if err := a.handler.RetractOrTerminate(); err != nil {
			log.Warnf("hang up: %s", err)
		}
	}

	cancel()

	return nil
}

func (a *App) runRelayMode(ctx context.Context) error {
	log.Infof("Starting %s relay %s on %s", protocol.LibName(), protocol.Version(), a.relayListen)
	defer log.Info("Ending relay")

	mux := http.NewServeMux()
	mux.Handle("/relay", signal.NewRelay())

	srv := &http.Server{
		Addr:              a.relayListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "relay")
	}

	return nil
}

func (a *App) serveMetrics(ctx context.Context) {
	if len(a.metricsAddr) == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              a.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(errors.Wrap(err, "metrics"))
		}
	}()

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
