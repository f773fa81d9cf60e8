package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/ChuLiYu/stageflow/internal/config"
	"github.com/ChuLiYu/stageflow/internal/orchestrator"
	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/internal/store/filestore"
	memstore "github.com/ChuLiYu/stageflow/internal/store/memory"
	"github.com/ChuLiYu/stageflow/internal/store/postgres"
	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/internal/transport/amqp"
	"github.com/ChuLiYu/stageflow/internal/transport/grpcbroker"
	"github.com/ChuLiYu/stageflow/internal/transport/kubernetes"
	memtransport "github.com/ChuLiYu/stageflow/internal/transport/memory"
	"github.com/ChuLiYu/stageflow/internal/transport/redisq"
	"github.com/ChuLiYu/stageflow/internal/transport/router"
)

// ============================================================================
// 依設定建立各元件
// ============================================================================

// Resources owns the connections shared by the components of one process.
type Resources struct {
	cfg *config.Config

	redisOnce   bool
	redisClient *redis.Client
	kubeClient  k8s.Interface

	Backends map[string]transport.Transport
	closers  []func() error
}

// NewResources prepares lazily opened connections for cfg. Injected backends (tests, the
// in-process demo) take precedence over the configured ones.
func NewResources(cfg *config.Config, injected map[string]transport.Transport) *Resources {
	r := &Resources{cfg: cfg, Backends: make(map[string]transport.Transport)}
	for name, b := range injected {
		r.Backends[name] = b
	}
	return r
}

// WithKubernetesClient makes the kubernetes backend use client instead of the cluster config.
func (r *Resources) WithKubernetesClient(client k8s.Interface) *Resources {
	r.kubeClient = client
	return r
}

// Close releases everything opened through r, in reverse order.
func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Resources) onClose(fn func() error) { r.closers = append(r.closers, fn) }

// Redis returns the shared Redis client used by the redis backend and the redis locker.
func (r *Resources) Redis(ctx context.Context) (*redis.Client, error) {
	if r.redisOnce {
		return r.redisClient, nil
	}
	rc := r.cfg.Transport.Redis
	addr := rc.Addr
	if r.cfg.Locker.Kind == config.LockerRedis && r.cfg.Locker.Addr != "" && !r.usesBackend(config.BackendRedis) {
		addr = r.cfg.Locker.Addr
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: rc.Password, DB: rc.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, transport.NewError("connect", "", fmt.Errorf("redis %s: %w", addr, err), true)
	}
	r.redisOnce = true
	r.redisClient = client
	r.onClose(client.Close)
	return client, nil
}

func (r *Resources) usesBackend(name string) bool {
	for _, b := range r.cfg.Backends() {
		if b == name {
			return true
		}
	}
	return false
}

// Backend opens (once) the named transport backend.
func (r *Resources) Backend(ctx context.Context, name string) (transport.Transport, error) {
	if b, ok := r.Backends[name]; ok {
		return b, nil
	}
	tc := r.cfg.Transport
	var (
		b   transport.Transport
		err error
	)
	switch name {
	case config.BackendMemory:
		b = memtransport.New(memtransport.Options{VisibilityTimeout: tc.VisibilityTimeout})
	case config.BackendRedis:
		var client *redis.Client
		client, err = r.Redis(ctx)
		if err == nil {
			b = redisq.NewWithClient(client, redisq.Config{
				Addr:              tc.Redis.Addr,
				Prefix:            tc.Redis.Prefix,
				VisibilityTimeout: tc.VisibilityTimeout,
			})
		}
	case config.BackendAMQP:
		b, err = amqp.Dial(amqp.Config{
			URL:               tc.AMQP.URL,
			QueuePrefix:       tc.AMQP.QueuePrefix,
			VisibilityTimeout: tc.VisibilityTimeout,
		})
	case config.BackendKubernetes:
		b, err = r.kubernetes()
	case config.BackendGRPC:
		b, err = grpcbroker.Dial(tc.GRPC.Target)
	default:
		err = fmt.Errorf("unknown transport backend %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}
	r.Backends[name] = b
	r.onClose(b.Close)
	return b, nil
}

func (r *Resources) kubernetes() (*kubernetes.Transport, error) {
	kc := r.cfg.Transport.Kubernetes
	client := r.kubeClient
	if client == nil {
		var err error
		client, err = kubernetes.NewClientset(kc.Kubeconfig)
		if err != nil {
			return nil, err
		}
		r.kubeClient = client
	}
	return kubernetes.New(client, kubernetes.Config{
		Namespace:         kc.Namespace,
		Mode:              kubernetes.Mode(kc.Mode),
		ImageName:         kc.Image,
		ImagePullPolicy:   kc.ImagePullPolicy,
		ImagePullSecret:   kc.ImagePullSecret,
		ServiceAccount:    kc.ServiceAccount,
		BackoffLimit:      kc.BackoffLimit,
		Commands:          kc.Command,
		CPULimit:          kc.CPULimit,
		MemoryLimit:       kc.MemoryLimit,
		VisibilityTimeout: r.cfg.Transport.VisibilityTimeout,
	}), nil
}

// Transport builds the per-endpoint router over every backend the configuration names.
func (r *Resources) Transport(ctx context.Context) (*router.Router, error) {
	tc := r.cfg.Transport
	backends := make(map[string]transport.Transport)
	for _, name := range r.cfg.Backends() {
		b, err := r.Backend(ctx, name)
		if err != nil {
			return nil, err
		}
		backends[name] = b
	}
	rules := make([]router.Rule, 0, len(tc.Routes))
	for _, route := range tc.Routes {
		rules = append(rules, router.Rule{Pattern: route.Pattern, Sender: route.Sender, Receiver: route.Receiver})
	}
	return router.New(router.Config{Backends: backends, Fallback: tc.Default, Rules: rules})
}

// LostJobFinder returns the kubernetes backend when it launches jobs and the check is enabled.
func (r *Resources) LostJobFinder() orchestrator.LostJobFinder {
	if !r.cfg.Orchestrator.LostJobCheck {
		return nil
	}
	if k, ok := r.Backends[config.BackendKubernetes].(*kubernetes.Transport); ok {
		return k
	}
	return nil
}

// OpenStore opens the configured repository. The returned duration is the recovery time of
// the file store (zero otherwise).
func (r *Resources) OpenStore(ctx context.Context) (store.Repository, time.Duration, error) {
	sc := r.cfg.Store
	switch sc.Kind {
	case config.StoreMemory:
		s := memstore.New()
		r.onClose(s.Close)
		return s, 0, nil
	case config.StoreFile:
		s, err := filestore.Open(filestore.Config{
			Dir:              sc.Dir,
			SyncOnAppend:     sc.Sync,
			SnapshotInterval: sc.SnapshotInterval,
		})
		if err != nil {
			return nil, 0, err
		}
		r.onClose(s.Close)
		return s, s.RecoveryTime(), nil
	case config.StorePostgres:
		s, err := postgres.New(ctx, sc.DSN)
		if err != nil {
			return nil, 0, err
		}
		if sc.Migrate {
			if err := postgres.Migrate(s.DB()); err != nil {
				s.Close()
				return nil, 0, err
			}
		}
		r.onClose(s.Close)
		return s, 0, nil
	default:
		return nil, 0, fmt.Errorf("unknown store kind %q", sc.Kind)
	}
}

// Locker builds the per-run locker.
func (r *Resources) Locker(ctx context.Context) (orchestrator.Locker, error) {
	lc := r.cfg.Locker
	switch lc.Kind {
	case config.LockerRedis:
		client, err := r.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return orchestrator.NewRedisLocker(client, lc.Prefix, lc.TTL), nil
	default:
		return orchestrator.NewLocalLocker(), nil
	}
}
