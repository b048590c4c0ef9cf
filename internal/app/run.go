package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goparty/internal/config"
	"github.com/petervdpas/goparty/internal/identity"
	"github.com/petervdpas/goparty/internal/p2p"
	"github.com/petervdpas/goparty/internal/party"
	"github.com/petervdpas/goparty/internal/pingpong"
	"github.com/petervdpas/goparty/internal/proto"
	"github.com/petervdpas/goparty/internal/util"
	"github.com/petervdpas/goparty/internal/viewer"
)

var log = logging.Logger("app")

// Our own log subsystems; libp2p's keep their defaults.
var subsystems = []string{
	"app", "config", "identity", "channel", "entangle",
	"pingpong", "party", "p2p", "viewer",
}

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(800)
	stopLogs, err := captureLogs(cfg.Log.Level, logBuf)
	if err != nil {
		return err
	}
	defer stopLogs()

	logBanner(opt.PeerDir, opt.CfgPath)

	// ── Identity
	keyFile := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	priv, isNew, err := identity.LoadOrCreateKey(keyFile)
	if err != nil {
		return fmt.Errorf("identity key: %w", err)
	}
	if isNew {
		log.Infow("generated new identity key", "file", keyFile)
	} else {
		log.Infow("loaded identity key", "file", keyFile)
	}

	// ── Room
	node, err := p2p.New(ctx, priv, p2p.Options{
		ListenPort: cfg.P2P.ListenPort,
		MdnsTag:    cfg.P2P.MdnsTag,
		Bootstrap:  cfg.P2P.Bootstrap,
		Topic:      proto.SessionTopic(cfg.Session.TopicPrefix, cfg.Session.ID),
	})
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	// ── Tracker
	selfKey := node.SelfKey()
	engine := pingpong.New(node, selfKey, cfg.PingOptions())
	tracker, err := party.New(selfKey, identity.PeerCodec{}, node, engine)
	if err != nil {
		return err
	}
	defer tracker.Close()
	applyProfile(tracker, cfg.Profile)

	log.Infow("joined session", "session", cfg.Session.ID, "self", tracker.SelfID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx) })
	g.Go(func() error { return logRosters(gctx, tracker) })

	if opt.CfgPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, opt.CfgPath, func(c config.Config) {
				setLevel(c.Log.Level)
				applyProfile(tracker, c.Profile)
			})
		})
	}

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.Viewer{
			Party: tracker,
			Logs:  logBuf,
		}
		if opt.CfgPath != "" {
			v.OnSelfChange = profileSaver(opt.CfgPath)
		}
		log.Infow("viewer listening", "url", url)
		g.Go(func() error { return viewer.Start(gctx, addr, v) })
	}

	err = g.Wait()
	log.Infow("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// captureLogs sets the level of our subsystems and mirrors all log output,
// as JSON lines, into buf for the viewer.
func captureLogs(level string, buf io.Writer) (stop func(), err error) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	setLevel(level)

	pr := logging.NewPipeReader(
		logging.PipeFormat(logging.JSONOutput),
		logging.PipeLevel(lvl),
	)
	go func() { _, _ = io.Copy(buf, pr) }()
	return func() { _ = pr.Close() }, nil
}

func setLevel(level string) {
	for _, s := range subsystems {
		if err := logging.SetLogLevel(s, level); err != nil {
			log.Warnw("set log level", "subsystem", s, "err", err)
		}
	}
}

// applyProfile copies the configured profile into the self record, skipping
// the publication when nothing changed.
func applyProfile(tr *party.Tracker, prof config.Profile) {
	cur := tr.Self()
	if cur.Name == prof.Name && cur.Item == prof.Item && cur.Ready == prof.Ready {
		return
	}
	tr.UpdateSelf(func(p *party.Party) {
		p.Name = prof.Name
		p.Item = prof.Item
		p.Ready = prof.Ready
	})
}

// profileSaver writes viewer edits of the self record back to the config
// file, leaving every other setting as it is on disk.
func profileSaver(cfgPath string) func(party.Party) {
	var mu sync.Mutex
	return func(p party.Party) {
		mu.Lock()
		defer mu.Unlock()

		cfg, err := config.LoadPartial(cfgPath)
		if err != nil {
			log.Warnw("profile not saved", "err", err)
			return
		}
		cfg.Profile = config.Profile{Name: p.Name, Item: p.Item, Ready: p.Ready}
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Warnw("profile not saved", "err", err)
		}
	}
}

func logRosters(ctx context.Context, tr *party.Tracker) error {
	sub := tr.Subscribe()
	defer tr.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-sub:
			if !ok {
				return nil
			}
			log.Debugw("roster", "members", len(r), "parties", rosterSummary(r))
		}
	}
}

func rosterSummary(r party.Roster) []string {
	out := make([]string, len(r))
	for i, p := range r {
		name := p.Name
		if name == "" {
			name = shortID(p.ID)
		}
		if d, ok := p.Latency(); ok {
			out[i] = fmt.Sprintf("%s(%s)", name, d)
		} else {
			out[i] = name
		}
	}
	return out
}
