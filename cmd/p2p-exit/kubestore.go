package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
	"tailscale.com/ipn"
)

// identityStateKey holds the libp2p private key in a secretStore.
const identityStateKey ipn.StateKey = "libp2p-identity"

const secretTimeout = 30 * time.Second

// secretStore keeps node state in one Kubernetes Secret. Keys are prefixed
// with name so that several nodes can share the Secret. It implements
// ipn.StateStore for tsnet and also holds the peer identity.
type secretStore struct {
	client    kubernetes.Interface
	namespace string
	secret    string
	name      string
}

var _ ipn.StateStore = (*secretStore)(nil)

// newSecretStore connects with kubeconfigPath, or the in-cluster
// configuration when it is empty. ref is namespace/name.
func newSecretStore(ref, kubeconfigPath, name string) (*secretStore, error) {
	namespace, secret, err := parseSecretRef(ref)
	if err != nil {
		return nil, err
	}
	var kubeConfig *rest.Config
	if kubeconfigPath != "" {
		c, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("building kubeconfig from %s: %w", kubeconfigPath, err)
		}
		kubeConfig = c
	} else {
		c, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("building in-cluster kubeconfig: %w", err)
		}
		kubeConfig = c
	}
	cs, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	return &secretStore{client: cs, namespace: namespace, secret: secret, name: name}, nil
}

func parseSecretRef(ref string) (namespace, name string, err error) {
	sp := strings.Split(ref, "/")
	if len(sp) != 2 || sp[0] == "" || sp[1] == "" {
		return "", "", fmt.Errorf("invalid secret name %q, want namespace/name", ref)
	}
	return sp[0], sp[1], nil
}

// dataKey maps a state key to a valid Secret data key.
func (s *secretStore) dataKey(id ipn.StateKey) string {
	k := string(id)
	if s.name != "" {
		k = s.name + "." + k
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		}
		return '_'
	}, k)
}

func (s *secretStore) ReadState(id ipn.StateKey) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), secretTimeout)
	defer cancel()
	sec, err := s.client.CoreV1().Secrets(s.namespace).Get(ctx, s.secret, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ipn.ErrStateNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret %s/%s: %w", s.namespace, s.secret, err)
	}
	b, ok := sec.Data[s.dataKey(id)]
	if !ok {
		return nil, ipn.ErrStateNotExist
	}
	return b, nil
}

func (s *secretStore) WriteState(id ipn.StateKey, bs []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), secretTimeout)
	defer cancel()
	secrets := s.client.CoreV1().Secrets(s.namespace)
	key := s.dataKey(id)

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		sec, err := secrets.Get(ctx, s.secret, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = secrets.Create(ctx, &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{Name: s.secret, Namespace: s.namespace},
				Data:       map[string][]byte{key: bs},
			}, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				// Lost a creation race; retry as an update.
				return apierrors.NewConflict(corev1.Resource("secrets"), s.secret, err)
			}
			return err
		}
		if err != nil {
			return err
		}
		if sec.Data == nil {
			sec.Data = make(map[string][]byte)
		}
		sec.Data[key] = bs
		_, err = secrets.Update(ctx, sec, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("writing secret %s/%s: %w", s.namespace, s.secret, err)
	}
	return nil
}
