package kubeutil

import (
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Kubeconfig finds the path of kubeconfig.
//
// It searches, in order of priority (most first):
//
// - explicit: from a command line flag or config file
//
// - environmental variable `KUBECONFIG`
//
// - `~/.kube/config`
//
// Paths which are not files are skipped. When nothing is found, it returns "".
func Kubeconfig(explicit string) string {
	candidates := []string{explicit, os.Getenv("KUBECONFIG")}
	if home := homedir.HomeDir(); home != "" {
		candidates = append(candidates, filepath.Join(home, ".kube", "config"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if stat, err := os.Stat(c); err == nil && !stat.IsDir() {
			return c
		}
	}
	return ""
}

// Connect creates *kubernetes.Clientset.
//
// When kubeconfig is "", it tries in-cluster config.
func Connect(kubeconfig string) (*kubernetes.Clientset, error) {
	var config *rest.Config
	var err error
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(config)
}
