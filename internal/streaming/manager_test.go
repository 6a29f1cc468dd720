package streaming

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/ajitpratap0/marketsync/pkg/config"
	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/testutil"
)

const testNamespace = "streams"

type fakeVerifier struct {
	calls []string
	err   error
}

func (v *fakeVerifier) VerifyTopic(_ context.Context, _ ClusterRef, _ Credentials, topic string) error {
	v.calls = append(v.calls, topic)
	return v.err
}

type managerHarness struct {
	dyn     *dynamicfake.FakeDynamicClient
	kube    *kubefake.Clientset
	manager *Manager
}

func newManagerHarness(t *testing.T, opts ...Option) *managerHarness {
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), ListKinds)
	kube := kubefake.NewSimpleClientset()
	k8s := config.KubernetesConfig{Namespace: testNamespace, ClusterName: "local", ConnectReplicas: 2}
	kafka := config.KafkaConfig{Topic: config.TopicConfig{
		Partitions:   3,
		Replicas:     2,
		RetentionMs:  604800000,
		SegmentBytes: 1073741824,
	}}
	return &managerHarness{
		dyn:     dyn,
		kube:    kube,
		manager: NewManager(dyn, kube, k8s, kafka, testutil.TestLogger(t), opts...),
	}
}

func (h *managerHarness) get(t *testing.T, gvr schema.GroupVersionResource, name string) *unstructured.Unstructured {
	t.Helper()
	obj, err := h.manager.resource(gvr).Get(context.Background(), name, metav1.GetOptions{})
	if kubeerr.IsNotFound(err) {
		return nil
	}
	require.NoError(t, err)
	return obj
}

// sourceUser creates the provider's user, as the provider's own provisioning would.
func (h *managerHarness) sourceUser(t *testing.T, name string) {
	t.Helper()
	obj := h.manager.userObject(name, name+"-credentials", []ACL{TopicACL("orders", "Read", "Describe")})
	_, err := h.manager.resource(UserResource).Create(context.Background(), obj, metav1.CreateOptions{})
	require.NoError(t, err)
}

func mirrorSpec() MirrorSpec {
	return MirrorSpec{
		AssetID:           "asset-1",
		Source:            ClusterRef{Alias: "provider", BootstrapServers: "provider-kafka:9092"},
		SourceTopic:       "orders.v1",
		SourceCredentials: Credentials{Username: "kuser-provider", SecretName: "kuser-provider-credentials"},
		Target:            ClusterRef{Alias: "local", BootstrapServers: "local-kafka:9092"},
		TargetTopic:       "ds-asset-1",
		TargetCredentials: Credentials{Username: "kuser-asset-1", SecretName: "kuser-asset-1-credentials"},
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "ds-asset-1", TopicName("asset-1"))
	assert.Equal(t, "kuser-asset-1", UserName("asset-1"))
	assert.Equal(t, "kuser-asset-1-credentials", SecretName("asset-1"))
	assert.Equal(t, "mm2-asset-1", ConnectorName("asset-1"))
	assert.Equal(t, "mm2-offset-syncs.local.internal", OffsetSyncsTopic("local"))

	// lossy conversions stay distinct and deterministic
	assert.NotEqual(t, TopicName("Asset-1"), TopicName("asset-1"))
	assert.NotEqual(t, TopicName("asset_1"), TopicName("asset-1"))
	assert.Equal(t, TopicName("urn:asset/1"), TopicName("urn:asset/1"))
	assert.True(t, strings.HasPrefix(TopicName("urn:asset/1"), "ds-urn-asset-1-"))

	long := strings.Repeat("a", 200)
	assert.LessOrEqual(t, len(sanitize(long)), maxNameLen)
	assert.NotEqual(t, sanitize(long), sanitize(long+"b"))
	assert.NotEmpty(t, sanitize("___"))

	for _, name := range []string{TopicName(long), UserName(long), ConnectorName(long)} {
		assert.LessOrEqual(t, len(name), 63, name)
	}
	assert.LessOrEqual(t, len(SecretName(long)), 253)
}

func TestCreateTopic(t *testing.T) {
	h := newManagerHarness(t)
	ctx := testutil.TestContext(t)

	name, err := h.manager.CreateTopic(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "ds-asset-1", name)

	obj := h.get(t, TopicResource, name)
	require.NotNil(t, obj)
	assert.Equal(t, "local", obj.GetLabels()[clusterLabel])
	partitions, _, _ := unstructured.NestedInt64(obj.Object, "spec", "partitions")
	replicas, _, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
	retention, _, _ := unstructured.NestedInt64(obj.Object, "spec", "config", "retention.ms")
	segment, _, _ := unstructured.NestedInt64(obj.Object, "spec", "config", "segment.bytes")
	assert.Equal(t, int64(3), partitions)
	assert.Equal(t, int64(2), replicas)
	assert.Equal(t, int64(604800000), retention)
	assert.Equal(t, int64(1073741824), segment)

	again, err := h.manager.CreateTopic(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, name, again)
}

func TestCreateUser(t *testing.T) {
	h := newManagerHarness(t)
	ctx := testutil.TestContext(t)
	acls := []ACL{TopicACL("ds-asset-1", "Read", "Describe", "Write"), GroupACL("*", "Read")}

	creds, err := h.manager.CreateUser(ctx, "asset-1", acls)
	require.NoError(t, err)
	assert.Equal(t, "kuser-asset-1", creds.Username)
	assert.Equal(t, "kuser-asset-1-credentials", creds.SecretName)
	assert.Len(t, creds.Password, 43, "32 random bytes, unpadded base64url")

	secret, err := h.kube.CoreV1().Secrets(testNamespace).Get(ctx, creds.SecretName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, creds.Password, string(secret.Data[passwordKey]))

	user := h.get(t, UserResource, creds.Username)
	require.NotNil(t, user)
	authType, _, _ := unstructured.NestedString(user.Object, "spec", "authentication", "type")
	assert.Equal(t, scramSHA512, authType)
	secretRef, _, _ := unstructured.NestedString(user.Object, "spec", "authentication", "password", "valueFrom", "secretKeyRef", "name")
	assert.Equal(t, creds.SecretName, secretRef)
	userACLs, _, _ := unstructured.NestedSlice(user.Object, "spec", "authorization", "acls")
	assert.Len(t, userACLs, 2)
	assert.True(t, grantsTopic(userACLs, "ds-asset-1", []string{"Read", "Write"}))

	again, err := h.manager.CreateUser(ctx, "asset-1", acls)
	require.NoError(t, err)
	assert.Equal(t, creds, again, "a repeated create returns the stored credentials")

	users, err := h.manager.resource(UserResource).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, users.Items, 1)
}

func TestCreateUser_ReusesExistingSecret(t *testing.T) {
	h := newManagerHarness(t)
	ctx := testutil.TestContext(t)

	_, err := h.kube.CoreV1().Secrets(testNamespace).Create(ctx, &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: SecretName("asset-1"), Namespace: testNamespace},
		Data:       map[string][]byte{passwordKey: []byte("stored-password")},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	creds, err := h.manager.CreateUser(ctx, "asset-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "stored-password", creds.Password)
}

func TestCreateMirrorConnector(t *testing.T) {
	h := newManagerHarness(t)
	ctx := testutil.TestContext(t)
	h.sourceUser(t, "kuser-provider")
	spec := mirrorSpec()

	name, err := h.manager.CreateMirrorConnector(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, "mm2-asset-1", name)

	obj := h.get(t, ConnectorResource, name)
	require.NotNil(t, obj)
	replicas, _, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
	assert.Equal(t, int64(2), replicas)
	connectCluster, _, _ := unstructured.NestedString(obj.Object, "spec", "connectCluster")
	assert.Equal(t, "local", connectCluster)

	clusters, _, _ := unstructured.NestedSlice(obj.Object, "spec", "clusters")
	require.Len(t, clusters, 2)
	for _, raw := range clusters {
		cluster := raw.(map[string]interface{})
		authType, _, _ := unstructured.NestedString(cluster, "authentication", "type")
		assert.Equal(t, scramSHA512, authType)
	}

	mirrors, _, _ := unstructured.NestedSlice(obj.Object, "spec", "mirrors")
	require.Len(t, mirrors, 1)
	cfg, _, _ := unstructured.NestedStringMap(mirrors[0].(map[string]interface{}), "sourceConnector", "config")
	assert.Equal(t, identityReplicationPolicy, cfg["replication.policy.class"])
	assert.Equal(t, byteArrayConverter, cfg["value.converter"])
	assert.Equal(t, `^orders\.v1$`, cfg["transforms.rename.regex"])
	assert.Equal(t, "ds-asset-1", cfg["transforms.rename.replacement"])

	user := h.get(t, UserResource, "kuser-provider")
	acls, _, _ := unstructured.NestedSlice(user.Object, "spec", "authorization", "acls")
	assert.Len(t, acls, 2)
	assert.True(t, grantsTopic(acls, "orders", []string{"Read"}), "existing grants are kept")
	assert.True(t, grantsTopic(acls, "mm2-offset-syncs.local.internal", offsetSyncOps))

	_, err = h.manager.CreateMirrorConnector(ctx, spec)
	require.NoError(t, err)
	user = h.get(t, UserResource, "kuser-provider")
	acls, _, _ = unstructured.NestedSlice(user.Object, "spec", "authorization", "acls")
	assert.Len(t, acls, 2, "offset-sync grant is not duplicated")
}

func TestCreateMirrorConnector_MissingSourceUser(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.CreateMirrorConnector(testutil.TestContext(t), mirrorSpec())
	assert.True(t, errors.IsType(err, errors.ErrorTypeClusterProvisioning))
}

func TestCreateMirrorConnector_Validation(t *testing.T) {
	h := newManagerHarness(t)
	spec := mirrorSpec()
	spec.Target.Alias = ""

	_, err := h.manager.CreateMirrorConnector(testutil.TestContext(t), spec)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Nil(t, h.get(t, ConnectorResource, "mm2-asset-1"))
}

func provisionRequest() ProvisionRequest {
	spec := mirrorSpec()
	return ProvisionRequest{
		AssetID:           "asset-1",
		Source:            spec.Source,
		SourceTopic:       spec.SourceTopic,
		SourceCredentials: spec.SourceCredentials,
		Target:            spec.Target,
	}
}

func TestProvision(t *testing.T) {
	verifier := &fakeVerifier{}
	h := newManagerHarness(t, WithTopicVerifier(verifier))
	h.sourceUser(t, "kuser-provider")

	got, err := h.manager.Provision(testutil.TestContext(t), provisionRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{"orders.v1"}, verifier.calls)
	assert.Equal(t, "ds-asset-1", got.Topic)
	assert.Equal(t, "mm2-asset-1", got.Connector)
	assert.Equal(t, "kuser-asset-1", got.Credentials.Username)

	assert.NotNil(t, h.get(t, TopicResource, "ds-asset-1"))
	assert.NotNil(t, h.get(t, ConnectorResource, "mm2-asset-1"))

	user := h.get(t, UserResource, "kuser-asset-1")
	require.NotNil(t, user)
	acls, _, _ := unstructured.NestedSlice(user.Object, "spec", "authorization", "acls")
	assert.True(t, grantsTopic(acls, "ds-asset-1", []string{"Read", "Describe", "Write"}))
}

func TestProvision_SourceTopicMissing(t *testing.T) {
	verifier := &fakeVerifier{err: stderrors.New("unknown topic")}
	h := newManagerHarness(t, WithTopicVerifier(verifier))

	_, err := h.manager.Provision(testutil.TestContext(t), provisionRequest())
	assert.True(t, errors.IsType(err, errors.ErrorTypeClusterProvisioning))
	assert.Nil(t, h.get(t, TopicResource, "ds-asset-1"), "nothing is created")
}

func TestProvision_ClusterFailure(t *testing.T) {
	h := newManagerHarness(t)
	h.sourceUser(t, "kuser-provider")
	h.dyn.PrependReactor("create", "kafkamirrormaker2s", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, stderrors.New("admission webhook unavailable")
	})

	_, err := h.manager.Provision(testutil.TestContext(t), provisionRequest())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClusterProvisioning))
	assert.True(t, errors.IsRetryable(err))
}

func TestTeardown(t *testing.T) {
	h := newManagerHarness(t)
	h.sourceUser(t, "kuser-provider")
	ctx := testutil.TestContext(t)

	_, err := h.manager.Provision(ctx, provisionRequest())
	require.NoError(t, err)

	require.NoError(t, h.manager.Teardown(ctx, "asset-1"))
	require.NoError(t, h.manager.Teardown(ctx, "asset-1"), "teardown is idempotent")

	assert.Nil(t, h.get(t, TopicResource, "ds-asset-1"))
	assert.Nil(t, h.get(t, UserResource, "kuser-asset-1"))
	assert.Nil(t, h.get(t, ConnectorResource, "mm2-asset-1"))
	_, err = h.kube.CoreV1().Secrets(testNamespace).Get(ctx, "kuser-asset-1-credentials", metav1.GetOptions{})
	assert.True(t, kubeerr.IsNotFound(err))

	assert.NotNil(t, h.get(t, UserResource, "kuser-provider"), "the provider's user is left alone")
}

func TestTeardown_ContinuesPastFailures(t *testing.T) {
	h := newManagerHarness(t)
	h.sourceUser(t, "kuser-provider")
	ctx := testutil.TestContext(t)

	_, err := h.manager.Provision(ctx, provisionRequest())
	require.NoError(t, err)

	h.dyn.PrependReactor("delete", "kafkatopics", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, stderrors.New("etcd timeout")
	})

	err = h.manager.Teardown(ctx, "asset-1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClusterProvisioning))
	assert.Contains(t, err.Error(), "etcd timeout")

	assert.Nil(t, h.get(t, ConnectorResource, "mm2-asset-1"))
	assert.Nil(t, h.get(t, UserResource, "kuser-asset-1"))
}
