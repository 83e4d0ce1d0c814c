// Package geomint wires the voucher reward pipeline: signed, time-bounded
// claim tickets, exactly-once redemption against the durable store, and the
// asynchronous mint queue behind it.
package geomint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/emberworks/geomint/geomint/audit"
	"github.com/emberworks/geomint/geomint/database"
	"github.com/emberworks/geomint/geomint/keyring"
	"github.com/emberworks/geomint/geomint/ledger"
	"github.com/emberworks/geomint/geomint/mintqueue"
	"github.com/emberworks/geomint/geomint/redemption"
	"github.com/emberworks/geomint/geomint/signer"
	"github.com/emberworks/geomint/geomint/tickets"
)

func New(cfg Config, version string, commit string) *Service {
	return &Service{
		Cfg:     cfg,
		Version: version,
		Commit:  commit,
	}
}

// Service aggregates the issuance and redemption sides of the pipeline. The
// durable stores are injected once at construction and never swapped at
// runtime.
type Service struct {
	Cfg     Config
	Version string
	Commit  string

	DB       *database.DB
	Redis    *redis.Client
	Mongo    *mongo.Client
	Keys     *keyring.Registry
	Signer   signer.Signer
	Issuer   *tickets.Issuer
	Guard    *redemption.Guard
	Ledger   ledger.Ledger
	Trail    audit.Trail
	MintLine redemption.Enqueuer

	pendingStore  redemption.Store
	pendingStream redemption.Enqueuer
}

// Setup constructs every collaborator in dependency order. A signer or store
// misconfiguration returns an error here, before any traffic is served.
func (s *Service) Setup(ctx context.Context) error {
	sig, err := signer.New(s.Cfg.Signer)
	if err != nil {
		return fmt.Errorf("signer setup failed: %w", err)
	}
	s.Signer = sig

	if err := s.setupTrail(ctx); err != nil {
		return err
	}
	if err := s.setupRedemptionStore(ctx); err != nil {
		return err
	}

	if s.DB != nil {
		s.Keys = keyring.NewRegistry(keyring.NewPGStore(s.DB.BunDB()))
		s.Ledger = ledger.NewPGLedger(s.DB.BunDB())
	} else {
		if s.Cfg.Production() {
			return fmt.Errorf("production requires the relational store")
		}
		slog.Warn("Running on in-memory key and ledger stores", slog.String("environment", s.Cfg.Environment))
		s.Keys = keyring.NewRegistry(keyring.NewMemoryStore())
		s.Ledger = ledger.NewMemoryLedger()
	}

	// A local dev signer registers its own public key so freshly issued
	// tickets verify without an operator step.
	if local, ok := sig.(*signer.LocalSigner); ok {
		err := s.Keys.Register(ctx, local.KeyID(), local.PublicKey(), keyring.StatusActive, nil)
		if err != nil {
			slog.Warn("Local signer key registration skipped", slog.Any("error", err))
		}
	}

	s.Issuer = tickets.NewIssuer(s.Signer, s.Trail, s.Cfg.Tickets.TTLSeconds)

	opts := []redemption.GuardOption{}
	if s.DB != nil {
		opts = append(opts, redemption.WithArchiver(redemption.NewPGArchive(s.DB.BunDB())))
	}
	s.Guard = redemption.NewGuard(s.Keys, s.pendingStore, s.Ledger, s.pendingStream, s.Trail, opts...)
	slog.Info("Redemption guard ready",
		slog.String("signer_mode", s.Cfg.Signer.Mode),
		slog.String("key_id", s.Signer.KeyID()))
	return nil
}

func (s *Service) setupTrail(ctx context.Context) error {
	if s.Cfg.Mongo.UseMemory {
		// validate() already rejected this for production.
		slog.Warn("Running on the in-memory audit trail", slog.String("environment", s.Cfg.Environment))
		s.Trail = audit.NewMemoryTrail()
		return nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.Cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("audit store connection failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("audit store unreachable: %w", err)
	}
	s.Mongo = client

	dbName := s.Cfg.Mongo.Database
	if dbName == "" {
		dbName = "geomint"
	}
	trail, err := audit.NewMongoTrail(ctx, client.Database(dbName).Collection("audit_trail"), s.Cfg.Mongo.RetentionDays)
	if err != nil {
		return err
	}
	s.Trail = trail
	return nil
}

func (s *Service) setupRedemptionStore(ctx context.Context) error {
	if s.Cfg.Redis.UseMemory {
		slog.Warn("Running on the in-memory redemption store and mint queue",
			slog.String("environment", s.Cfg.Environment))
		store := redemption.NewMemoryStore()
		stream := mintqueue.NewMemoryStream()
		s.MintLine = stream
		s.buildGuard(store, stream)
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.Cfg.Redis.Addr,
		Password: s.Cfg.Redis.Password,
		DB:       s.Cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		// Fail closed: without the durable store there is no safe way to
		// enforce single use.
		return fmt.Errorf("redemption store unreachable: %w", err)
	}
	s.Redis = client

	stream, err := mintqueue.NewRedisStream(ctx, client, s.Cfg.Queue.Stream, s.Cfg.Queue.Group)
	if err != nil {
		return err
	}
	s.MintLine = stream
	s.buildGuard(redemption.NewRedisStore(client), stream)
	return nil
}

func (s *Service) buildGuard(store redemption.Store, stream redemption.Enqueuer) {
	// Ledger and keys may not exist yet at this point; Setup constructs the
	// guard after both sides are ready.
	s.pendingStore = store
	s.pendingStream = stream
}

// Close releases every held connection.
func (s *Service) Close(ctx context.Context) {
	if s.DB != nil {
		s.DB.Close()
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			slog.Error("Failed to close redis client", slog.Any("error", err))
		}
	}
	if s.Mongo != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Mongo.Disconnect(ctx); err != nil {
			slog.Error("Failed to close audit store client", slog.Any("error", err))
		}
	}
}
