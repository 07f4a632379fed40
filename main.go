package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaylabs/gorent/metainfo"
	"github.com/relaylabs/gorent/resume"
	"github.com/relaylabs/gorent/session"
)

func openInput(args []string) (io.ReadCloser, error) {
	if len(args) > 0 {
		return os.Open(args[0])
	}
	stat, err := os.Stdin.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Mode()&os.ModeCharDevice != 0 {
		return nil, errNoTorrentGiven
	}
	return io.NopCloser(os.Stdin), nil
}

var errNoTorrentGiven = &os.PathError{Op: "open", Path: "<stdin>", Err: os.ErrInvalid}

func main() {
	outDir := flag.String("out", ".", "directory to write downloaded files into")
	listenPort := flag.Uint("port", 6881, "TCP port to listen for inbound peers on")
	dhtPort := flag.Uint("dht-port", 6881, "UDP port for the DHT node")
	enableDHT := flag.Bool("dht", true, "enable the DHT for peer discovery")
	resumeFile := flag.String("resume-db", "", "path to a resume database file (disabled if empty)")
	flag.Parse()

	log := logrus.New()

	input, err := openInput(flag.Args())
	if err != nil {
		log.WithError(err).Fatal("could not open torrent input, pass a .torrent path or pipe one on stdin")
	}
	defer input.Close()

	meta, err := metainfo.Parse(input)
	if err != nil {
		log.WithError(err).Fatal("failed to parse torrent metadata")
	}

	var resumeDB *resume.Store
	if *resumeFile != "" {
		resumeDB, err = resume.Open(*resumeFile)
		if err != nil {
			log.WithError(err).Fatal("failed to open resume database")
		}
		defer resumeDB.Close()
	}

	cfg := session.NewConfig(
		session.WithListenPort(uint16(*listenPort)),
		session.WithDHTPort(uint16(*dhtPort)),
		session.WithDHTEnabled(*enableDHT),
	)

	sess, err := session.New(cfg, meta, *outDir, log, resumeDB)
	if err != nil {
		log.WithError(err).Fatal("failed to construct session")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go logEvents(log, sess)
	go logProgress(log, sess, ctx)

	log.WithFields(logrus.Fields{
		"name":      meta.Name,
		"info_hash": meta.InfoHash.String(),
		"size":      meta.TotalLength,
	}).Info("starting download")

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("session terminated with an error")
	}

	log.Info("session stopped")
}

func logEvents(log *logrus.Logger, sess *session.Session) {
	for ev := range sess.Events() {
		entry := log.WithField("kind", ev.Kind)
		if ev.Err != nil {
			entry = entry.WithError(ev.Err)
		}
		entry.Info(ev.Message)
	}
}

func logProgress(log *logrus.Logger, sess *session.Session, ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := sess.Snapshot()
			log.WithFields(logrus.Fields{
				"progress": status.ProgressFraction,
				"peers":    status.PeerCount,
			}).Info("download progress")
		}
	}
}
