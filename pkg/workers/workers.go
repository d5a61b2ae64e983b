// Package workers tells how many workers are available.
//
// knitflow never addresses workers directly. Workers poll the job queue by
// themselves, and the pool is asked only for its size, at dispatch time.
package workers

import (
	"context"
	"fmt"

	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

// Pool is a dynamic set of workers.
type Pool interface {
	// Size returns the number of workers available now.
	Size(ctx context.Context) (int, error)
}

// Static is a pool of fixed size.
type Static int

func (s Static) Size(context.Context) (int, error) {
	return max(0, int(s)), nil
}

// K8s counts worker pods in a namespace.
//
// A pod is a worker when it matches the selector, and it is counted while it is
// running and ready.
type K8s struct {
	client    kubernetes.Interface
	namespace string
	selector  labels.Selector
}

// NewK8s creates a pool of pods matching selector in namespace.
//
// selector is in the syntax of kubectl's "-l" flag, like "app=knitflow-worker".
func NewK8s(client kubernetes.Interface, namespace string, selector string) (*K8s, error) {
	sel, err := labels.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("worker selector %q: %w", selector, err)
	}
	return &K8s{client: client, namespace: namespace, selector: sel}, nil
}

func (k *K8s) Size(ctx context.Context) (int, error) {
	pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: k.selector.String(),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pods.Items {
		if ready(p) {
			n += 1
		}
	}
	return n, nil
}

func ready(p kubecore.Pod) bool {
	if p.DeletionTimestamp != nil || p.Status.Phase != kubecore.PodRunning {
		return false
	}
	for _, c := range p.Status.Conditions {
		if c.Type == kubecore.PodReady {
			return c.Status == kubecore.ConditionTrue
		}
	}
	return false
}
