// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The foldermirror command saves each new item of one mail folder into
// its own numbered LETTER_<n> directory, polling until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/matta/foldermirror/internal/config"
	"github.com/matta/foldermirror/internal/folder"
	"github.com/matta/foldermirror/internal/gmail"
	"github.com/matta/foldermirror/internal/gmailhttp"
	"github.com/matta/foldermirror/internal/homedir"
	"github.com/matta/foldermirror/internal/imapsrc"
	"github.com/matta/foldermirror/internal/letter"
	"github.com/matta/foldermirror/internal/notify"
	"github.com/matta/foldermirror/internal/outlook"
	"github.com/matta/foldermirror/internal/poll"
	"github.com/matta/foldermirror/internal/statusapi"
	"github.com/matta/foldermirror/internal/sync"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

var (
	flagConfig   = flag.String("config", "", "configuration file; default ~/.foldermirror.yaml, which may be missing")
	flagFolder   = flag.String("folder", "", "name of the folder to mirror; overrides folder_name")
	flagDir      = flag.String("dir", "", "directory to save items below; overrides save_directory")
	flagInterval = flag.Int("interval", 0, "seconds between polls; overrides poll_interval_seconds")
	flagMax      = flag.Int("max", 0, "most items saved per poll; overrides max_items_per_cycle")
	flagOnce     = flag.Bool("once", false, "run one cycle and exit")
	flagFolders  = flag.Bool("folders", false, "print the folder hierarchy and exit")
	flagTrace    = flag.Bool("T", false, "request debug tracing")
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(homedir.Expand(*flagConfig))
	if err != nil {
		return nil, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "folder":
			cfg.FolderName = *flagFolder
		case "dir":
			cfg.SaveDirectory = *flagDir
		case "interval":
			cfg.PollIntervalSeconds = *flagInterval
		case "max":
			cfg.MaxItemsPerCycle = *flagMax
		}
	})
	// Listing folders writes nothing.
	if *flagFolders && cfg.SaveDirectory == "" {
		cfg.SaveDirectory = "."
	}
	cfg.SaveDirectory = homedir.Expand(cfg.SaveDirectory)
	cfg.Gmail.TokenFile = homedir.Expand(cfg.Gmail.TokenFile)
	cfg.Outlook.TokenFile = homedir.Expand(cfg.Outlook.TokenFile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSource connects to the configured source.  The returned function
// releases it.
func openSource(ctx context.Context, cfg *config.Config) (sync.Source, func(), error) {
	logger := log.Default()
	if *flagTrace && cfg.Source != config.SourceGmail {
		log.Printf("-T only traces the Gmail API; ignoring it for %s", cfg.Source)
	}
	switch cfg.Source {
	case config.SourceIMAP:
		s, err := imapsrc.New(ctx, imapsrc.Options{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			Security: cfg.IMAP.Security,
		}, logger)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to connect to IMAP")
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Printf("closing IMAP connection: %v", err)
			}
		}, nil

	case config.SourceGmail:
		opts := gmailhttp.Options{
			TokenFile:    cfg.Gmail.TokenFile,
			TokenCommand: cfg.Gmail.TokenCommand,
			APIKey:       cfg.Gmail.APIKey,
		}
		if *flagTrace {
			opts.Tracer = logger
		}
		client, err := gmailhttp.New(opts)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to initialize GMail HTTP client")
		}
		s, err := gmail.New(ctx, client, logger)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to initialize GMail")
		}
		return s, func() {}, nil

	case config.SourceOutlook:
		s, err := outlook.New(ctx, outlook.Options{
			User:        cfg.Outlook.User,
			AccessToken: cfg.Outlook.AccessToken,
			TokenFile:   cfg.Outlook.TokenFile,
		}, logger)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to initialize Outlook")
		}
		return s, func() {}, nil
	}
	return nil, nil, errors.Errorf("unknown source %q", cfg.Source)
}

// openSink returns the letter writer for dir, announcing each saved
// item on NATS when configured.
func openSink(ctx context.Context, cfg *config.Config, dir string) (sync.Sink, func(), error) {
	w, err := letter.New(dir, letter.Options{
		SkipAttachments: cfg.Sink.SkipAttachments,
		PreserveRaw:     cfg.Sink.PreserveRaw,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to initialize letter writer")
	}
	if cfg.NATS.URL == "" {
		return w, func() {}, nil
	}
	pub, err := notify.NewPublisher(cfg.NATS.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := pub.EnsureStream(ctx, cfg.NATS.Stream, cfg.NATS.Subject); err != nil {
		pub.Close()
		return nil, nil, err
	}
	return notify.NewSink(w, pub, cfg.NATS.Subject, cfg.FolderName, dir, log.Default()), pub.Close, nil
}

func listFolders(ctx context.Context, src sync.Source) error {
	root, err := src.RootFolder(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to get root folder")
	}
	lines, err := folder.Hierarchy(ctx, root)
	if err != nil {
		return errors.Wrap(err, "unable to list folders")
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

// serveStatus starts the status API on addr and returns a function
// shutting it down.
func serveStatus(addr string, p *poll.Poller) func() {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           statusapi.NewRouter(p),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("status API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("status API: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("stopping status API: %v", err)
		}
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, closeSource, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	if *flagFolders {
		return listFolders(ctx, src)
	}

	dir, err := filepath.Abs(filepath.Join(cfg.SaveDirectory, strings.TrimSpace(cfg.FolderName)))
	if err != nil {
		return errors.Wrap(err, "unable to resolve save directory")
	}
	sink, closeSink, err := openSink(ctx, cfg, dir)
	if err != nil {
		return err
	}
	defer closeSink()

	p, err := poll.New(src, sink, poll.Options{
		Sync: sync.Options{
			FolderName:    cfg.FolderName,
			SaveDirectory: cfg.SaveDirectory,
			OldestFirst:   cfg.OldestFirst,
		},
		Interval:        cfg.Interval(),
		MaxItems:        cfg.MaxItemsPerCycle,
		InitialMaxItems: cfg.FirstBatch(),
		Once:            *flagOnce,
		Logger:          log.Default(),
	})
	if err != nil {
		return err
	}
	if cfg.HTTP.Listen != "" {
		defer serveStatus(cfg.HTTP.Listen, p)()
	}

	return errors.Wrap(p.Run(ctx), "unable to synchronize")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}
