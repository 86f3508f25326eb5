// Package executor runs dispatched requests as Kubernetes Jobs.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"playbook-dispatcher/dispatcher"

	"github.com/rs/zerolog/log"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelRequestID = "playbook-dispatcher/request-id"
	annotRequester = "playbook-dispatcher/requester"
	annotOrigin    = "playbook-dispatcher/origin"
	managedBy      = "playbook-dispatcher"
)

type KubeConfig struct {
	Namespace      string
	Image          string
	ServiceAccount string
	PollInterval   time.Duration
}

// KubeExecutor launches one batch/v1 Job per request running
// `ansible-playbook <operation> -i <resource> --extra-vars <json>` and waits
// for it to finish.
type KubeExecutor struct {
	cfg KubeConfig

	mu     sync.Mutex
	client kubernetes.Interface
}

func NewKubeExecutor(cfg KubeConfig) *KubeExecutor {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &KubeExecutor{cfg: cfg}
}

func (k *KubeExecutor) kube() (kubernetes.Interface, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client != nil {
		return k.client, nil
	}
	cli, err := newKubeClient()
	if err != nil {
		log.Error().Err(err).Msg("executor: failed to initialize Kubernetes client")
		return nil, err
	}
	k.client = cli
	log.Info().Str("namespace", k.cfg.Namespace).Msg("executor: Kubernetes client initialized")
	return cli, nil
}

func (k *KubeExecutor) Execute(ctx context.Context, job dispatcher.Job) (*dispatcher.Result, error) {
	cli, err := k.kube()
	if err != nil {
		return nil, fmt.Errorf("kubernetes client init failed: %w", err)
	}
	spec, err := k.buildJob(job)
	if err != nil {
		return nil, err
	}
	ns := k.cfg.Namespace
	jobs := cli.BatchV1().Jobs(ns)

	created, err := jobs.Create(ctx, spec, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		// A retried attempt attaches to the job the first attempt created.
		log.Info().Str("job", spec.Name).Str("namespace", ns).Msg("executor: job already exists, attaching")
		created, err = jobs.Get(ctx, spec.Name, metav1.GetOptions{})
	}
	if err != nil {
		log.Error().Err(err).Str("job", spec.Name).Str("namespace", ns).Msg("executor: job create failed")
		return nil, fmt.Errorf("create job %s: %w", spec.Name, err)
	}
	job.ReportJobRef(created.Name)
	log.Info().Str("job", created.Name).Str("namespace", ns).Str("requestId", job.RequestID).Msg("executor: job launched")

	start := time.Now()
	final := created
	vanished := false
	err = wait.PollUntilContextCancel(ctx, k.cfg.PollInterval, true, func(ctx context.Context) (bool, error) {
		j, err := jobs.Get(ctx, created.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			vanished = true
			return true, nil
		}
		if err != nil {
			log.Warn().Err(err).Str("job", created.Name).Msg("executor: job status poll failed")
			return false, nil
		}
		final = j
		_, done := jobOutcome(j)
		return done, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wait for job %s: %w", created.Name, err)
	}

	data := map[string]any{
		"job_id":    final.Name,
		"namespace": ns,
		"succeeded": final.Status.Succeeded,
		"failed":    final.Status.Failed,
	}
	elapsed := time.Since(start)
	if vanished {
		// A launched job is never created again for the same request.
		log.Error().Str("job", created.Name).Dur("duration", elapsed).Msg("executor: job vanished while waiting")
		return &dispatcher.Result{
			Success: false,
			Message: fmt.Sprintf("Job `%s` vanished before reporting an outcome", created.Name),
			Data:    data,
			JobRef:  created.Name,
		}, nil
	}
	ok, _ := jobOutcome(final)
	if !ok {
		msg := failureMessage(final)
		log.Error().Str("job", final.Name).Str("reason", msg).Dur("duration", elapsed).Msg("executor: job failed")
		return &dispatcher.Result{Success: false, Message: msg, Data: data, JobRef: final.Name}, nil
	}
	log.Info().Str("job", final.Name).Dur("duration", elapsed).Msg("executor: job succeeded")
	return &dispatcher.Result{
		Success: true,
		Message: fmt.Sprintf("Job `%s` succeeded", final.Name),
		Data:    data,
		JobRef:  final.Name,
	}, nil
}

func (k *KubeExecutor) buildJob(job dispatcher.Job) (*batchv1.Job, error) {
	vars, err := json.Marshal(job.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	var backoff int32
	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{
			APIVersion: batchv1.SchemeGroupVersion.String(),
			Kind:       "Job",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(job.RequestID),
			Namespace: k.cfg.Namespace,
			Labels: map[string]string{
				labelManagedBy: managedBy,
				labelRequestID: job.RequestID,
			},
			Annotations: map[string]string{
				annotRequester: job.Requester,
				annotOrigin:    job.Origin,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{labelRequestID: job.RequestID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:  "playbook",
						Image: k.cfg.Image,
						Args: []string{
							"ansible-playbook", job.Target.Operation,
							"-i", job.Target.Resource,
							"--extra-vars", string(vars),
						},
					}},
				},
			},
		},
	}, nil
}

// JobName is the Job created for a request id.
func JobName(requestID string) string {
	return "playbook-" + strings.ToLower(requestID)
}

// jobOutcome reports (succeeded, finished) from the job's conditions.
func jobOutcome(j *batchv1.Job) (bool, bool) {
	for _, c := range j.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return true, true
		case batchv1.JobFailed:
			return false, true
		}
	}
	return false, false
}

func failureMessage(j *batchv1.Job) string {
	for _, c := range j.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
			if c.Message != "" {
				return fmt.Sprintf("job %s failed: %s: %s", j.Name, c.Reason, c.Message)
			}
			return fmt.Sprintf("job %s failed: %s", j.Name, c.Reason)
		}
	}
	return fmt.Sprintf("job %s failed", j.Name)
}

// newKubeClient returns a typed clientset using in-cluster config or local kubeconfig.
func newKubeClient() (kubernetes.Interface, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return kubernetes.NewForConfig(cfg)
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(cfg)
}
