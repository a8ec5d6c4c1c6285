package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxmorph/voxmorph/internal/audio"
	"github.com/voxmorph/voxmorph/internal/call"
	"github.com/voxmorph/voxmorph/internal/client"
	"github.com/voxmorph/voxmorph/internal/config"
	"github.com/voxmorph/voxmorph/internal/domain"
	"github.com/voxmorph/voxmorph/internal/rtc"
)

func main() {
	username := flag.String("username", "anonymous", "display name announced to other users")
	effect := flag.String("effect", "normal", "voice effect: normal, male, female, child, oldAge, robot")
	callTo := flag.String("call", "", "peer id to call after registering")
	serverURL := flag.String("server", "", "relay url, overrides config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}

	signaling := client.NewSignaling(cfg.Client)

	// The transport learns the local peer id on Open; the sender closure
	// reads it from the transport so signals are always stamped correctly.
	var transport *rtc.Transport
	transport, err = rtc.NewTransport(cfg.ICE.STUNServers, func(to domain.PeerID, payload []byte) error {
		local, _ := transport.Open()
		return signaling.SendPeerSignal(to, local, payload)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("transport setup failed")
	}

	pipeline := audio.NewPipeline(audio.NewSyntheticCapture(), audio.DSPFactory{})
	defer pipeline.Dispose()
	pipeline.ApplyEffect(domain.ParseEffect(*effect))

	dialer := call.NewDialer(transport, signaling, pipeline)
	dialer.OnRemoteStream(playback)

	signaling.OnPeerSignal(func(from domain.PeerID, payload []byte) {
		if err := transport.HandleSignal(from, payload); err != nil {
			log.Warn().Err(err).Str("from", string(from)).Msg("signal rejected")
		}
	})
	signaling.OnUsersUpdate(func(users []domain.UserView) {
		for _, u := range users {
			log.Info().Str("peer", string(u.PeerID)).Str("username", u.Username).Msg("online")
		}
	})
	signaling.OnIncomingCall(func(from domain.PeerID) {
		log.Info().Str("from", string(from)).Msg("call invite received, auto-accepting")
		if err := dialer.Accept(); err != nil && err != call.ErrBadState {
			log.Warn().Err(err).Msg("accept failed")
		}
	})
	signaling.OnCallFailed(func(to domain.PeerID) {
		log.Warn().Str("to", string(to)).Msg("call failed: peer not present")
		dialer.HangUp()
	})

	local, err := dialer.Open()
	if err != nil {
		log.Fatal().Err(err).Msg("peer transport open failed")
	}
	log.Info().Str("peer", string(local)).Msg("local peer ready")

	if err := signaling.Connect(); err != nil {
		log.Fatal().Err(err).Msg("relay connection failed")
	}
	defer signaling.Close()
	if err := signaling.Register(local, *username); err != nil {
		log.Fatal().Err(err).Msg("register failed")
	}

	if *callTo != "" {
		if err := pipeline.Initialize(); err != nil {
			log.Fatal().Err(err).Msg("audio pipeline init failed")
		}
		if _, err := dialer.PlaceCall(domain.PeerID(*callTo)); err != nil {
			log.Error().Err(err).Str("to", *callTo).Msg("call refused")
		}
	}

	<-ctx.Done()
	dialer.HangUp()
	log.Info().Msg("client exited")
}

// playback drains the remote stream. A real device sink would go here; for
// now the frames are consumed and counted so the pipe stays primed.
func playback(remote audio.Stream) {
	go func() {
		defer remote.Close()
		var frames int
		for {
			_, err := remote.ReadFrame()
			if err != nil {
				if err != io.EOF {
					log.Warn().Err(err).Msg("playback stopped")
				}
				log.Info().Int("frames", frames).Msg("remote stream ended")
				return
			}
			frames++
		}
	}()
}
