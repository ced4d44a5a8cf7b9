package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/cluster"
	"github.com/remiblancher/cacore/internal/config"
	"github.com/remiblancher/cacore/internal/crl"
	cacrypto "github.com/remiblancher/cacore/internal/crypto"
	"github.com/remiblancher/cacore/internal/issuance"
	"github.com/remiblancher/cacore/internal/keyvalidator"
	"github.com/remiblancher/cacore/internal/logging"
	"github.com/remiblancher/cacore/internal/profile"
	"github.com/remiblancher/cacore/internal/publisher"
	"github.com/remiblancher/cacore/internal/store"
	"github.com/remiblancher/cacore/internal/store/sqlstore"
)

// apiAdmin is the identity admin API calls run as.
var apiAdmin = authz.Admin{ID: "api"}

// node is everything a command needs, wired from the configuration.
type node struct {
	cfg    *config.Config
	logger *logrus.Logger

	store      store.Store
	audit      *audit.FileWriter
	trail      *audit.Trail
	authz      *authz.RuleAuthorizer
	tokens     *cacrypto.TokenRegistry
	profiles   *profile.Store
	cas        *ca.Manager
	validators *keyvalidator.Manager
	publishers *publisher.Registry
	crls       *crl.Engine
	certs      *issuance.Service
	cluster    *cluster.Node
	redis      *redis.Client
}

var current *node

// openNode returns the node of this process, building it on first use.
func openNode(cmd *cobra.Command) (*node, error) {
	if current != nil {
		return current, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	n, err := buildNode(cfg)
	if err != nil {
		return nil, err
	}
	current = n
	return n, nil
}

// closeNode releases the node opened by the current command, if any.
func closeNode() error {
	if current == nil {
		return nil
	}
	err := current.Close()
	current = nil
	return err
}

func buildNode(cfg *config.Config) (n *node, err error) {
	n = &node{
		cfg:    cfg,
		logger: logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}),
	}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()
	log := func(component string) *logrus.Entry { return logging.Component(n.logger, component) }

	switch cfg.Store.Driver {
	case config.DriverMySQL:
		n.store, err = sqlstore.Open(cfg.Store.DSN)
	default:
		if err = os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, err
		}
		n.store, err = store.OpenBolt(cfg.Store.Path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var w audit.Writer = audit.NopWriter{}
	if cfg.Audit.Path != "" {
		if err = os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o700); err != nil {
			return nil, err
		}
		if n.audit, err = audit.NewFileWriter(cfg.Audit.Path); err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		w = n.audit
	}
	n.trail = audit.NewTrail(w, log("audit"))

	n.authz = authz.NewRuleAuthorizer(log("authz"))
	n.authz.Grant(apiAdmin.ID, authz.ResourceRoot)

	if n.tokens, err = loadTokens(cfg.Tokens, log("crypto")); err != nil {
		return nil, err
	}
	if n.profiles, err = profile.LoadStore(cfg.Profiles.Dir); err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}

	if cfg.Redis.Addr != "" {
		n.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if n.publishers, err = buildPublishers(cfg.Publishers, n.redis); err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	if n.redis != nil {
		rdb = n.redis
	}
	n.cluster = cluster.NewNode(cluster.Config{
		Redis:   rdb,
		Channel: cfg.Redis.Channel,
		Log:     log("cluster"),
	})
	n.cas = ca.NewManager(ca.Config{
		Store:      n.store,
		Cache:      ca.NewRegistry(cfg.Cache.CAInterval, nil),
		Authorizer: n.authz,
		Audit:      n.trail,
		Tokens:     n.tokens,
		Peers:      n.cluster,
		Log:        log("ca"),
	})
	n.validators = keyvalidator.NewManager(keyvalidator.Config{
		Store:      n.store,
		Cache:      keyvalidator.NewCache(cfg.Cache.ValidatorInterval, nil),
		Authorizer: n.authz,
		Audit:      n.trail,
		Peers:      n.cluster,
		Log:        log("keyvalidator"),
	})
	n.crls = crl.NewEngine(crl.Config{
		Store:      n.store,
		CAs:        n.cas,
		Tokens:     n.tokens,
		Publishers: n.publishers,
		Authorizer: n.authz,
		Audit:      n.trail,
		Log:        log("crl"),
	})
	n.certs = issuance.NewService(issuance.Config{
		Store:      n.store,
		CAs:        n.cas,
		Tokens:     n.tokens,
		Profiles:   n.profiles,
		Validators: n.validators,
		Authorizer: n.authz,
		Audit:      n.trail,
		Log:        log("issuance"),
	})

	n.cluster.Register(cluster.ScopeCA, n.cas)
	n.cluster.Register(cluster.ScopeKeyValidators, n.validators)
	return n, nil
}

// loadTokens registers the software tokens of the key directory and the
// PKCS#11 tokens of the HSM configuration.
func loadTokens(cfg config.TokensConfig, log *logrus.Entry) (*cacrypto.TokenRegistry, error) {
	reg := cacrypto.NewTokenRegistry()
	soft, err := cacrypto.LoadKeyDir(cfg.KeyDir, cfg.Passphrase())
	if err != nil {
		return nil, fmt.Errorf("failed to load key directory: %w", err)
	}
	for _, tok := range soft {
		reg.Register(tok)
	}

	if cfg.HSMConfig != "" {
		hsm, err := cacrypto.LoadHSMConfig(cfg.HSMConfig)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		for _, tc := range hsm.Tokens {
			resolved, err := tc.Resolve()
			if err != nil {
				_ = reg.Close()
				return nil, err
			}
			tok, err := cacrypto.NewPKCS11Token(resolved)
			if err != nil {
				// The CAs of an unavailable token report it offline.
				log.WithError(err).WithField("token", tc.Name).Warn("PKCS#11 token unavailable")
				continue
			}
			reg.Register(tok)
		}
	}
	log.WithField("tokens", len(reg.IDs())).Debug("crypto tokens loaded")
	return reg, nil
}

func buildPublishers(cfgs []config.PublisherConfig, rdb *redis.Client) (*publisher.Registry, error) {
	reg := publisher.NewRegistry()
	for _, pc := range cfgs {
		var p publisher.Publisher
		switch pc.Type {
		case config.PublisherFile:
			fp := publisher.NewFilePublisher(pc.ID, pc.Dir)
			fp.PEM = pc.PEM
			p = fp
		case config.PublisherRedis:
			if rdb == nil {
				return nil, fmt.Errorf("publisher %d: redis is not configured", pc.ID)
			}
			rp := publisher.NewRedisPublisher(pc.ID, rdb)
			if pc.Prefix != "" {
				rp.Prefix = pc.Prefix
			}
			p = rp
		default:
			return nil, fmt.Errorf("publisher %d: unknown type %q", pc.ID, pc.Type)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Close releases the store, the audit log, the tokens and redis.
func (n *node) Close() error {
	var errs []error
	if n.tokens != nil {
		errs = append(errs, n.tokens.Close())
	}
	if n.trail != nil {
		errs = append(errs, n.trail.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	if n.redis != nil {
		errs = append(errs, n.redis.Close())
	}
	return errors.Join(errs...)
}
