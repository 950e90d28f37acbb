package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/auth"
	"github.com/deemkeen/fedcore/cache"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/delivery"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/timeline"
	"github.com/deemkeen/fedcore/util"
	"github.com/deemkeen/fedcore/web"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// app holds what every command needs; the federation services are built
// on demand by services.
type app struct {
	conf *util.AppConfig
	log  *log.Logger
	db   *db.DB
}

type services struct {
	metrics    *metrics.Metrics
	cache      *cache.ActorCache
	directory  *activitypub.Directory
	timeline   *timeline.Materializer
	queue      *delivery.Queue
	outbox     *activitypub.Outbox
	processor  *activitypub.Processor
	dispatcher *delivery.Dispatcher
	auth       *auth.Provider
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configPath string

	root := &cobra.Command{
		Use:          util.Name,
		Short:        "ActivityPub delivery and fan-out server",
		Version:      util.GetVersion(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context(), configPath)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./config.yaml or ~/.config/fedcore/config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server and the delivery workers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.serve(cmd.Context())
			},
		},
		a.configCmd(),
		a.accountCmd(),
		a.tokenCmd(),
		a.deliveriesCmd(),
	)
	return root
}

func (a *app) open(ctx context.Context, configPath string) error {
	conf, err := util.LoadConf(configPath)
	if err != nil {
		return err
	}
	logger, err := util.NewLogger(conf)
	if err != nil {
		return err
	}
	dbPath := conf.Conf.DbPath
	if !filepath.IsAbs(dbPath) {
		dbPath = util.ResolveFilePath(dbPath)
	}
	database, err := db.Open(ctx, dbPath, logger)
	if err != nil {
		return err
	}
	a.conf, a.log, a.db = conf, logger, database
	return nil
}

func (a *app) close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *app) services(ctx context.Context) (*services, error) {
	m := metrics.New()
	actorCache, err := cache.NewActorCache(ctx, a.conf, a.log)
	if err != nil {
		return nil, err
	}
	if err := registerCacheStats(m, actorCache); err != nil {
		actorCache.Close()
		return nil, err
	}

	client := &http.Client{}
	ids := activitypub.NewIdBuilder(a.conf)
	dir := activitypub.NewDirectory(a.db, actorCache, client, a.conf, a.log)
	tl := timeline.New(a.db, a.log)
	locks := &util.KeyedMutex{}
	queue := delivery.NewQueue(a.db, a.conf, m, a.log)
	outbox := activitypub.NewOutbox(a.db, ids, activitypub.NewResolver(a.db, dir, a.log), queue, tl, locks, a.log)

	return &services{
		metrics:    m,
		cache:      actorCache,
		directory:  dir,
		timeline:   tl,
		queue:      queue,
		outbox:     outbox,
		processor:  activitypub.NewProcessor(a.db, dir, outbox, tl, locks, m, a.conf, a.log),
		dispatcher: delivery.NewDispatcher(queue, a.db, activitypub.NewSender(client, a.conf), a.conf, m, a.log),
		auth:       auth.NewProvider(a.db, a.conf.Conf.TokenSecret, a.conf.BaseURL()),
	}, nil
}

func registerCacheStats(m *metrics.Metrics, c *cache.ActorCache) error {
	hits := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "fedcore_actor_cache_hits_total",
		Help: "Remote actor lookups answered from the cache.",
	}, func() float64 {
		h, _ := c.Stats()
		return float64(h)
	})
	misses := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "fedcore_actor_cache_misses_total",
		Help: "Remote actor lookups that missed the cache.",
	}, func() float64 {
		_, miss := c.Stats()
		return float64(miss)
	})
	if err := m.Register(hits); err != nil {
		return err
	}
	return m.Register(misses)
}

func (a *app) serve(ctx context.Context) error {
	if a.conf.Conf.TokenSecret == "change-me" {
		a.log.Warn("tokenSecret is the default; client API tokens can be forged")
	}
	s, err := a.services(ctx)
	if err != nil {
		return err
	}
	defer s.cache.Close()

	if err := resumeDeletions(ctx, a.db, s.outbox, a.log); err != nil {
		return err
	}

	handler := web.NewHandler(a.conf, a.db, s.directory, s.outbox, s.processor, s.timeline, s.auth, s.metrics, a.log)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.dispatcher.Run(ctx)
	})
	g.Go(func() error {
		return handler.Serve(ctx)
	})
	return g.Wait()
}

// resumeDeletions finishes account deletions interrupted by a restart.
func resumeDeletions(ctx context.Context, database *db.DB, outbox *activitypub.Outbox, logger *log.Logger) error {
	actors, err := database.ReadLocalActors(ctx)
	if err != nil {
		return err
	}
	for _, actor := range actors {
		if actor.DeletionStatus != domain.DeletionScheduled && actor.DeletionStatus != domain.DeletionDeleting {
			continue
		}
		logger.Info("Resuming account deletion", "actor", actor.Handle(), "step", actor.DeletionStatus)
		if err := outbox.DeleteAccount(ctx, actor); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := *a.conf
			if conf.Conf.TokenSecret != "" {
				conf.Conf.TokenSecret = "********"
			}
			fmt.Fprintln(cmd.OutOrStdout(), util.PrettyPrint(conf))
			return nil
		},
	}
}

func (a *app) accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage local accounts",
	}

	var displayName string
	var locked bool
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a local account with a fresh key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := util.GeneratePemKeypair()
			if err != nil {
				return err
			}
			actor := activitypub.NewIdBuilder(a.conf).NewLocalActor(args[0], keys)
			if displayName != "" {
				actor.DisplayName = displayName
			}
			actor.ManuallyApprovesFollowers = locked
			if err := a.db.CreateActor(cmd.Context(), actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", actor.Handle(), actor.Id)
			return nil
		},
	}
	create.Flags().StringVar(&displayName, "name", "", "display name")
	create.Flags().BoolVar(&locked, "locked", false, "approve followers manually")

	remove := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a local account and federate the deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			actor, err := a.db.ReadLocalActorByUsername(ctx, args[0])
			if err != nil {
				return err
			}
			s, err := a.services(ctx)
			if err != nil {
				return err
			}
			defer s.cache.Close()
			if err := s.outbox.DeleteAccount(ctx, actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", actor.Handle())
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List local accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			actors, err := a.db.ReadLocalActors(cmd.Context())
			if err != nil {
				return err
			}
			for _, actor := range actors {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", actor.Id, actor.Handle(), actor.DeletionStatus)
			}
			return nil
		},
	}

	cmd.AddCommand(create, remove, list)
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	var scope string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Issue a client API token for a local account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopes, err := auth.ParseScopes(scope)
			if err != nil {
				return err
			}
			actor, err := a.db.ReadLocalActorByUsername(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			token, err := auth.NewProvider(a.db, a.conf.Conf.TokenSecret, a.conf.BaseURL()).Issue(actor, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "read,write", "comma separated scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "token lifetime")
	return cmd
}

func (a *app) deliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Inspect and retry outbound deliveries",
	}

	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List deliveries that gave up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := delivery.NewQueue(a.db, a.conf, nil, a.log).Failed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d\t%s\n",
					job.Id, job.ActivityType, job.InboxURI, job.Attempts, strings.ReplaceAll(job.LastError, "\n", " "))
			}
			return nil
		},
	}
	failed.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to list")

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Put a failed delivery back in the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			if err := delivery.NewQueue(a.db, a.conf, nil, a.log).Retry(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count deliveries per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := delivery.NewQueue(a.db, a.conf, nil, a.log).Stats(cmd.Context())
			if err != nil {
				return err
			}
			for _, state := range []domain.DeliveryState{domain.DeliveryPending, domain.DeliveryRunning, domain.DeliveryDelivered, domain.DeliveryFailed} {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", state, counts[state])
			}
			return nil
		},
	}

	cmd.AddCommand(failed, retry, stats)
	return cmd
}
