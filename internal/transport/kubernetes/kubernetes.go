// ============================================================================
// stageflow Kubernetes Transport
// ============================================================================
//
// Package: internal/transport/kubernetes
// 功能: 以 batch/v1 Job 作為訊息載體的 transport backend
//
// 兩種模式:
//   queue   每筆訊息一個 suspended Job (不會啟動 Pod)，envelope 存於 annotation；
//           Receive 以 lease annotation 認領，Ack 刪除 Job，Nack 清除 lease。
//           叢集本身就是佇列，適合沒有 broker 的部署。
//   launch  每筆派發訊息建立一個真正執行的 Job，worker image 由 transport 屬性
//           (run label "transport.*") 決定，envelope 以環境變數傳入 Pod，
//           Pod 內以 EnvReceiver 讀取。結果必須經由其他 backend 回傳。
//
// Labels:
//   app.kubernetes.io/managed-by = stageflow
//   stageflow.io/address, stageflow.io/run-id, stageflow.io/correlation-id
//   stageflow.io/trace-id-N      trace id 以 63 字元切段 (label value 長度限制)
//
// ============================================================================

package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

var log = slog.Default()

const (
	LabelManagedBy     = "app.kubernetes.io/managed-by"
	ManagedByValue     = "stageflow"
	LabelAddress       = "stageflow.io/address"
	LabelRunID         = "stageflow.io/run-id"
	LabelCorrelationID = "stageflow.io/correlation-id"
	LabelTraceIDPrefix = "stageflow.io/trace-id-"

	AnnotationEnvelope   = "stageflow.io/envelope"
	AnnotationLease      = "stageflow.io/lease"
	AnnotationDeliveries = "stageflow.io/deliveries"

	// 傳給 Pod 的環境變數
	EnvEnvelope = "STAGEFLOW_ENVELOPE"
	EnvAddress  = "STAGEFLOW_ADDRESS"
	EnvRunID    = "STAGEFLOW_RUN_ID"
	EnvTraceID  = "STAGEFLOW_TRACE_ID"

	maxLabelValue = 63
)

// Mode selects how messages are carried.
type Mode string

const (
	ModeQueue  Mode = "queue"
	ModeLaunch Mode = "launch"
)

// ErrReceiveUnsupported is returned by Receive in launch mode; pods use EnvReceiver instead.
var ErrReceiveUnsupported = errors.New("kubernetes launch mode cannot receive; use EnvReceiver inside the pod")

// Config configures the Kubernetes backend.
type Config struct {
	Namespace string
	Mode      Mode

	// launch 模式
	ImageName       string // 可使用 ${stage} 與 transport 屬性，例如 "registry/worker-${stage}:${image}"
	ImagePullPolicy string
	ImagePullSecret string
	ServiceAccount  string
	BackoffLimit    int32
	Commands        []string
	CPULimit        string
	MemoryLimit     string

	// queue 模式
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

func (c *Config) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Mode == "" {
		c.Mode = ModeQueue
	}
	if c.ImagePullPolicy == "" {
		c.ImagePullPolicy = string(corev1.PullIfNotPresent)
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Transport stores messages as Kubernetes Jobs.
type Transport struct {
	client kubernetes.Interface
	cfg    Config
	codec  transport.Codec
	now    func() time.Time

	claimMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// NewClientset builds a clientset from the in-cluster config, falling back to ~/.kube/config.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		log.Debug("In-cluster config not available, using kubeconfig", "path", kubeconfig, "error", err)
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return clientset, nil
}

// New creates the backend on top of client.
func New(client kubernetes.Interface, cfg Config) *Transport {
	cfg.setDefaults()
	return &Transport{client: client, cfg: cfg, codec: transport.DefaultCodec, now: time.Now, done: make(chan struct{})}
}

func (t *Transport) jobs() batchJobs {
	return t.client.BatchV1().Jobs(t.cfg.Namespace)
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close stops every subscription. The clientset has nothing to release.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// ============================================================================
// Send
// ============================================================================

// Send creates one Job for env. Re-sending the same envelope ID is a no-op.
func (t *Transport) Send(ctx context.Context, addr transport.Address, env transport.Envelope) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	data, err := t.codec.Marshal(env)
	if err != nil {
		return transport.NewError("send", addr, err, false)
	}

	job, err := t.buildJob(addr, env, data)
	if err != nil {
		return transport.NewError("send", addr, err, false)
	}
	_, err = t.jobs().Create(ctx, job, metav1.CreateOptions{})
	switch {
	case apierrors.IsAlreadyExists(err):
		return nil
	case err != nil:
		return transport.NewError("send", addr, err, isTemporary(err))
	}
	log.Debug("Created kubernetes job", "job", job.Name, "address", addr, "mode", t.cfg.Mode)
	return nil
}

func (t *Transport) buildJob(addr transport.Address, env transport.Envelope, data []byte) (*batchv1.Job, error) {
	name := JobName(env.ID)
	jobLabels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelAddress:   labelValue(string(addr)),
		LabelRunID:     labelValue(string(env.RunID)),
	}
	if env.CorrelationID != "" {
		jobLabels[LabelCorrelationID] = labelValue(string(env.CorrelationID))
	}
	for i, chunk := range splitChunks(env.TraceID(), maxLabelValue) {
		jobLabels[LabelTraceIDPrefix+strconv.Itoa(i)] = chunk
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: t.cfg.Namespace,
			Labels:    jobLabels,
			Annotations: map[string]string{
				AnnotationEnvelope:   string(data),
				AnnotationDeliveries: "0",
			},
		},
	}

	if t.cfg.Mode == ModeQueue {
		suspend := true
		job.Spec = batchv1.JobSpec{
			Suspend: &suspend,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{{Name: "message", Image: "registry.k8s.io/pause:3.9"}},
				},
			},
		}
		return job, nil
	}

	image := t.ImageFor(env)
	if image == "" {
		return nil, fmt.Errorf("no image configured for %s", addr)
	}
	resources, err := t.resources()
	if err != nil {
		return nil, err
	}
	backoff := t.cfg.BackoffLimit
	container := corev1.Container{
		Name:            "worker",
		Image:           image,
		ImagePullPolicy: corev1.PullPolicy(t.cfg.ImagePullPolicy),
		Command:         t.cfg.Commands,
		Resources:       resources,
		Env: []corev1.EnvVar{
			{Name: EnvEnvelope, Value: string(data)},
			{Name: EnvAddress, Value: string(addr)},
			{Name: EnvRunID, Value: string(env.RunID)},
			{Name: EnvTraceID, Value: env.TraceID()},
		},
	}
	podLabels := map[string]string{LabelManagedBy: ManagedByValue, LabelRunID: jobLabels[LabelRunID]}
	job.Spec = batchv1.JobSpec{
		BackoffLimit: &backoff,
		Template: corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
			Spec: corev1.PodSpec{
				RestartPolicy:      corev1.RestartPolicyNever,
				ServiceAccountName: t.cfg.ServiceAccount,
				Containers:         []corev1.Container{container},
			},
		},
	}
	if t.cfg.ImagePullSecret != "" {
		job.Spec.Template.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: t.cfg.ImagePullSecret}}
	}
	return job, nil
}

// ImageFor expands the image template with the stage and the envelope's transport properties.
func (t *Transport) ImageFor(env transport.Envelope) string {
	props := env.TransportProperties()
	return os.Expand(t.cfg.ImageName, func(key string) string {
		if key == "stage" {
			return string(env.Stage)
		}
		return props[key]
	})
}

func (t *Transport) resources() (corev1.ResourceRequirements, error) {
	limits := corev1.ResourceList{}
	if t.cfg.CPULimit != "" {
		q, err := resource.ParseQuantity(t.cfg.CPULimit)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("cpu limit: %w", err)
		}
		limits[corev1.ResourceCPU] = q
	}
	if t.cfg.MemoryLimit != "" {
		q, err := resource.ParseQuantity(t.cfg.MemoryLimit)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("memory limit: %w", err)
		}
		limits[corev1.ResourceMemory] = q
	}
	if len(limits) == 0 {
		return corev1.ResourceRequirements{}, nil
	}
	return corev1.ResourceRequirements{Limits: limits}, nil
}

// ============================================================================
// Receive (queue 模式)
// ============================================================================

// Receive polls suspended Jobs for addr.
func (t *Transport) Receive(ctx context.Context, addr transport.Address) (transport.Subscription, error) {
	if t.isClosed() {
		return nil, transport.ErrClosed
	}
	if t.cfg.Mode == ModeLaunch {
		return nil, ErrReceiveUnsupported
	}
	selector := labels.SelectorFromSet(labels.Set{
		LabelManagedBy: ManagedByValue,
		LabelAddress:   labelValue(string(addr)),
	}).String()
	return &subscription{t: t, addr: addr, selector: selector, closed: make(chan struct{})}, nil
}

type subscription struct {
	t         *Transport
	addr      transport.Address
	selector  string
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *subscription) Next(ctx context.Context) (transport.Delivery, error) {
	for {
		select {
		case <-s.closed:
			return transport.Delivery{}, transport.ErrClosed
		case <-s.t.done:
			return transport.Delivery{}, transport.ErrClosed
		default:
		}

		d, ok, err := s.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return transport.Delivery{}, ctx.Err()
			}
			return transport.Delivery{}, err
		}
		if ok {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return transport.Delivery{}, ctx.Err()
		case <-s.closed:
			return transport.Delivery{}, transport.ErrClosed
		case <-s.t.done:
			return transport.Delivery{}, transport.ErrClosed
		case <-time.After(s.t.cfg.PollInterval):
		}
	}
}

func (s *subscription) claim(ctx context.Context) (transport.Delivery, bool, error) {
	s.t.claimMu.Lock()
	defer s.t.claimMu.Unlock()

	list, err := s.t.jobs().List(ctx, metav1.ListOptions{LabelSelector: s.selector})
	if err != nil {
		return transport.Delivery{}, false, transport.NewError("receive", s.addr, err, isTemporary(err))
	}
	items := list.Items
	sort.Slice(items, func(i, j int) bool {
		ti, tj := items[i].CreationTimestamp, items[j].CreationTimestamp
		if !ti.Equal(&tj) {
			return ti.Before(&tj)
		}
		return items[i].Name < items[j].Name
	})

	now := s.t.now()
	for i := range items {
		job := &items[i]
		if job.Annotations == nil {
			job.Annotations = map[string]string{}
		}
		if _, held := leaseActive(job, now); held {
			continue
		}

		env, err := s.t.codec.Unmarshal([]byte(job.Annotations[AnnotationEnvelope]))
		if err != nil {
			log.Warn("Dropping undecodable message job", "job", job.Name, "error", err, "anomaly", true)
			s.t.deleteJob(ctx, job.Name, job.ResourceVersion)
			continue
		}

		deliveries, _ := strconv.Atoi(job.Annotations[AnnotationDeliveries])
		deliveries++
		token := fmt.Sprintf("%s@%d", uuid.NewString(), now.Add(s.t.cfg.VisibilityTimeout).UnixMilli())
		job.Annotations[AnnotationLease] = token
		job.Annotations[AnnotationDeliveries] = strconv.Itoa(deliveries)

		updated, err := s.t.jobs().Update(ctx, job, metav1.UpdateOptions{})
		if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
			continue // 其他 receiver 先認領
		}
		if err != nil {
			return transport.Delivery{}, false, transport.NewError("receive", s.addr, err, isTemporary(err))
		}

		env.DeliveryCount = deliveries
		h := &handle{t: s.t, addr: s.addr, name: updated.Name, token: token}
		return transport.Delivery{Envelope: env, Handle: h}, true, nil
	}
	return transport.Delivery{}, false, nil
}

// leaseActive reports the lease token and whether it is still held at now.
func leaseActive(job *batchv1.Job, now time.Time) (string, bool) {
	token := job.Annotations[AnnotationLease]
	if token == "" {
		return "", false
	}
	_, ms, ok := strings.Cut(token, "@")
	if !ok {
		return token, false
	}
	expires, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return token, false
	}
	return token, now.UnixMilli() < expires
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type handle struct {
	t     *Transport
	addr  transport.Address
	name  string
	token string
}

// current fetches the job and verifies that our lease is still the active one.
func (h *handle) current(ctx context.Context, op string) (*batchv1.Job, error) {
	job, err := h.t.jobs().Get(ctx, h.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s job %s gone", transport.ErrLeaseExpired, h.addr, h.name)
	}
	if err != nil {
		return nil, transport.NewError(op, h.addr, err, isTemporary(err))
	}
	token, held := leaseActive(job, h.t.now())
	if token != h.token || !held {
		return nil, fmt.Errorf("%w: %s job %s", transport.ErrLeaseExpired, h.addr, h.name)
	}
	return job, nil
}

func (h *handle) Ack(ctx context.Context) error {
	h.t.claimMu.Lock()
	defer h.t.claimMu.Unlock()
	job, err := h.current(ctx, "ack")
	if err != nil {
		return err
	}
	if err := h.t.deleteJob(ctx, job.Name, job.ResourceVersion); err != nil && !apierrors.IsNotFound(err) {
		return transport.NewError("ack", h.addr, err, isTemporary(err))
	}
	return nil
}

func (h *handle) Nack(ctx context.Context) error {
	h.t.claimMu.Lock()
	defer h.t.claimMu.Unlock()
	job, err := h.current(ctx, "nack")
	if err != nil {
		return err
	}
	delete(job.Annotations, AnnotationLease)
	if _, err := h.t.jobs().Update(ctx, job, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) {
			return fmt.Errorf("%w: %s job %s", transport.ErrLeaseExpired, h.addr, h.name)
		}
		return transport.NewError("nack", h.addr, err, isTemporary(err))
	}
	return nil
}

func (t *Transport) deleteJob(ctx context.Context, name, resourceVersion string) error {
	propagation := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation}
	if resourceVersion != "" {
		opts.Preconditions = &metav1.Preconditions{ResourceVersion: &resourceVersion}
	}
	return t.jobs().Delete(ctx, name, opts)
}

// ============================================================================
// 遺失工作偵測 (launch 模式)
// ============================================================================

// LostJobs returns the IDs of jobs that should be running but whose cluster Job no longer
// exists or has failed permanently. Jobs dispatched less than minAge ago are ignored so that
// a Job that is still being created is not reported.
func (t *Transport) LostJobs(ctx context.Context, running []*types.Job, minAge time.Duration) ([]types.JobID, error) {
	if len(running) == 0 {
		return nil, nil
	}
	list, err := t.jobs().List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set{LabelManagedBy: ManagedByValue}).String(),
	})
	if err != nil {
		return nil, transport.NewError("list", "", err, isTemporary(err))
	}

	present := make(map[string]bool, len(list.Items))
	for _, job := range list.Items {
		id := job.Labels[LabelCorrelationID]
		if id == "" || jobFailed(&job) {
			continue
		}
		present[id] = true
	}

	now := t.now()
	var lost []types.JobID
	for _, job := range running {
		if job.DispatchedAt != nil && now.Sub(*job.DispatchedAt) < minAge {
			continue
		}
		if !present[labelValue(string(job.ID))] {
			lost = append(lost, job.ID)
		}
	}
	return lost, nil
}

func jobFailed(job *batchv1.Job) bool {
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// ============================================================================
// helpers
// ============================================================================

type batchJobs interface {
	Create(ctx context.Context, job *batchv1.Job, opts metav1.CreateOptions) (*batchv1.Job, error)
	Update(ctx context.Context, job *batchv1.Job, opts metav1.UpdateOptions) (*batchv1.Job, error)
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*batchv1.Job, error)
	List(ctx context.Context, opts metav1.ListOptions) (*batchv1.JobList, error)
}

// JobName derives a DNS-1123 compliant Job name from a message ID.
func JobName(messageID string) string {
	return "sf-" + sanitize(messageID, maxLabelValue-3)
}

func sanitize(s string, limit int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > limit {
		out = out[:limit]
	}
	return strings.Trim(out, "-")
}

// labelValue truncates to the label value limit; label values may contain dots.
func labelValue(s string) string {
	if len(s) > maxLabelValue {
		s = s[:maxLabelValue]
	}
	return strings.Trim(s, "-_.")
}

func splitChunks(s string, size int) []string {
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func isTemporary(err error) bool {
	return apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) || apierrors.IsUnexpectedServerError(err) ||
		!isAPIStatus(err)
}

func isAPIStatus(err error) bool {
	var status apierrors.APIStatus
	return errors.As(err, &status)
}
