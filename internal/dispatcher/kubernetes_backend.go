package dispatcher

import (
	"context"
	"encoding/base64"
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/flow-like/substrate/internal/domain"
)

// KubernetesJobBackend creates a one-shot batch/v1 Job per dispatch — the
// payload is handed to the container as a base64-encoded env var rather
// than a mounted volume, since a single run's input fits comfortably
// within the Kubernetes env var size limit and this avoids provisioning a
// ConfigMap per job.
type KubernetesJobBackend struct {
	Client     kubernetes.Interface
	Namespace  string
	Image      string
	BackoffMax int32
}

func NewKubernetesJobBackend(client kubernetes.Interface, namespace, image string) *KubernetesJobBackend {
	return &KubernetesJobBackend{Client: client, Namespace: namespace, Image: image, BackoffMax: 0}
}

func (b *KubernetesJobBackend) Name() domain.Backend { return domain.BackendKubernetesJob }

func (b *KubernetesJobBackend) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error) {
	backoff := b.BackoffMax
	jobName := "flow-like-run-" + req.JobID

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: b.Namespace,
			Labels: map[string]string{
				"app":    "flow-like-substrate",
				"job_id": req.JobID,
				"app_id": req.AppID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":    "flow-like-substrate",
						"job_id": req.JobID,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "run",
							Image: b.Image,
							Env: []corev1.EnvVar{
								{Name: "FLOWLIKE_JOB_ID", Value: req.JobID},
								{Name: "FLOWLIKE_APP_ID", Value: req.AppID},
								{Name: "FLOWLIKE_RUN_ID", Value: req.RunID},
								{Name: "FLOWLIKE_PAYLOAD_B64", Value: base64.StdEncoding.EncodeToString(req.Payload)},
							},
						},
					},
				},
			},
		},
	}

	created, err := b.Client.BatchV1().Jobs(b.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, newDispatchErr(ErrorKubernetes, string(b.Name()), req.JobID, err)
	}

	return &domain.DispatchResponse{
		JobID:      req.JobID,
		StatusCode: 201,
		Payload:    []byte(fmt.Sprintf(`{"k8s_job_name":%q,"k8s_uid":%q}`, created.Name, created.UID)),
	}, nil
}
