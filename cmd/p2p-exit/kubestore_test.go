package main

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"tailscale.com/ipn"
)

func TestParseSecretRef(t *testing.T) {
	ns, name, err := parseSecretRef("netagent/exit-state")
	require.NoError(t, err)
	assert.Equal(t, "netagent", ns)
	assert.Equal(t, "exit-state", name)

	for _, bad := range []string{"", "exit-state", "a/b/c", "/b", "a/"} {
		_, _, err := parseSecretRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestSecretStoreCreatesAndUpdates(t *testing.T) {
	cs := fake.NewClientset()
	st := &secretStore{client: cs, namespace: "ns", secret: "state", name: "exit-1"}

	_, err := st.ReadState("_machinekey")
	require.ErrorIs(t, err, ipn.ErrStateNotExist)

	require.NoError(t, st.WriteState("_machinekey", []byte("one")))
	require.NoError(t, st.WriteState("profile-a:b", []byte("two")))
	require.NoError(t, st.WriteState("_machinekey", []byte("three")))

	got, err := st.ReadState("_machinekey")
	require.NoError(t, err)
	assert.Equal(t, "three", string(got))

	sec, err := cs.CoreV1().Secrets("ns").Get(context.Background(), "state", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "two", string(sec.Data["exit-1.profile-a_b"]), "keys are prefixed and sanitized")
}

func TestSecretStoreSharedSecret(t *testing.T) {
	cs := fake.NewClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "state", Namespace: "ns"},
		Data:       map[string][]byte{"other.key": []byte("x")},
	})
	a := &secretStore{client: cs, namespace: "ns", secret: "state", name: "a"}
	require.NoError(t, a.WriteState("key", []byte("a")))

	_, err := (&secretStore{client: cs, namespace: "ns", secret: "state", name: "b"}).ReadState("key")
	assert.ErrorIs(t, err, ipn.ErrStateNotExist)
	got, err := (&secretStore{client: cs, namespace: "ns", secret: "state", name: "other"}).ReadState("key")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestStoredIdentityPersists(t *testing.T) {
	st := &secretStore{client: fake.NewClientset(), namespace: "ns", secret: "state"}

	first, err := loadStoredIdentity(st)
	require.NoError(t, err)
	second, err := loadStoredIdentity(st)
	require.NoError(t, err)

	id1, err := peer.IDFromPrivateKey(first)
	require.NoError(t, err)
	id2, err := peer.IDFromPrivateKey(second)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}
