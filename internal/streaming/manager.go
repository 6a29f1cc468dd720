// Package streaming provisions and removes the Kafka resources that mirror a
// provider's live topic into the local cluster: a topic, a SCRAM user with its
// credentials secret, and a MirrorMaker 2 connector. Resources are Strimzi
// custom resources named after the asset, so every create and delete is
// idempotent.
package streaming

import (
	"context"
	"crypto/rand"
	"encoding/base64"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/ajitpratap0/marketsync/pkg/config"
	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/logger"
	"github.com/ajitpratap0/marketsync/pkg/metrics"
	"github.com/ajitpratap0/marketsync/pkg/observability"
)

const passwordBytes = 32

// offsetSyncOps are granted to the source user on the connector's offset-sync topic.
var offsetSyncOps = []string{"Write", "Create", "Describe"}

// Manager creates and deletes streaming resources in one namespace.
type Manager struct {
	dynamic     dynamic.Interface
	kube        kubernetes.Interface
	namespace   string
	clusterName string
	replicas    int
	topic       config.TopicConfig
	verifier    TopicVerifier
	logger      *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTopicVerifier checks provider topics before provisioning.
func WithTopicVerifier(v TopicVerifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// NewManager creates a Manager.
func NewManager(dyn dynamic.Interface, kube kubernetes.Interface, k8s config.KubernetesConfig, kafka config.KafkaConfig, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	replicas := k8s.ConnectReplicas
	if replicas <= 0 {
		replicas = 1
	}
	m := &Manager{
		dynamic:     dyn,
		kube:        kube,
		namespace:   k8s.Namespace,
		clusterName: k8s.ClusterName,
		replicas:    replicas,
		topic:       kafka.Topic,
		logger:      log.With(zap.String("component", "connector_manager"), zap.String("namespace", k8s.Namespace)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) resource(gvr schema.GroupVersionResource) dynamic.ResourceInterface {
	return m.dynamic.Resource(gvr).Namespace(m.namespace)
}

func record(resource, op string, err error) {
	result := "success"
	switch {
	case err == nil:
	case kubeerr.IsAlreadyExists(err):
		result = "exists"
	case kubeerr.IsNotFound(err):
		result = "absent"
	default:
		result = "error"
	}
	metrics.ClusterOperations.WithLabelValues(resource, op, result).Inc()
}

func clusterErr(err error, msg, name string) error {
	return errors.Wrap(err, errors.ErrorTypeClusterProvisioning, msg).WithDetail("name", name)
}

// CreateTopic creates the asset's topic and returns its name. An existing
// topic counts as success.
func (m *Manager) CreateTopic(ctx context.Context, assetID string) (string, error) {
	name := TopicName(assetID)
	_, err := m.resource(TopicResource).Create(ctx, m.topicObject(name), metav1.CreateOptions{})
	record("topic", "create", err)
	if err != nil && !kubeerr.IsAlreadyExists(err) {
		return "", clusterErr(err, "create topic", name)
	}
	logger.WithContext(ctx, m.logger).Info("topic ready", zap.String("topic", name), zap.Bool("existed", err != nil))
	return name, nil
}

// CreateUser creates the asset's SCRAM user with acls. The password lives in
// a secret that is reused if present; when the user already exists its
// stored credentials are returned and acls are left unchanged.
func (m *Manager) CreateUser(ctx context.Context, assetID string, acls []ACL) (*Credentials, error) {
	name := UserName(assetID)
	log := logger.WithContext(ctx, m.logger).With(zap.String("user", name))

	creds, err := m.ensureSecret(ctx, assetID)
	if err != nil {
		return nil, err
	}

	_, err = m.resource(UserResource).Create(ctx, m.userObject(name, creds.SecretName, acls), metav1.CreateOptions{})
	record("user", "create", err)
	switch {
	case err == nil:
		log.Info("user created", zap.Int("acls", len(acls)))
	case kubeerr.IsAlreadyExists(err):
		log.Info("user already exists, using stored credentials")
	default:
		return nil, clusterErr(err, "create user", name)
	}
	return creds, nil
}

func (m *Manager) ensureSecret(ctx context.Context, assetID string) (*Credentials, error) {
	secrets := m.kube.CoreV1().Secrets(m.namespace)
	creds := &Credentials{Username: UserName(assetID), SecretName: SecretName(assetID)}

	existing, err := secrets.Get(ctx, creds.SecretName, metav1.GetOptions{})
	record("secret", "get", err)
	switch {
	case err == nil:
		creds.Password = string(existing.Data[passwordKey])
		if creds.Password != "" {
			return creds, nil
		}
		return nil, errors.New(errors.ErrorTypeClusterProvisioning, "credentials secret has no password").
			WithDetail("name", creds.SecretName)
	case !kubeerr.IsNotFound(err):
		return nil, clusterErr(err, "read credentials secret", creds.SecretName)
	}

	password, err := generatePassword()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "generate password")
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      creds.SecretName,
			Namespace: m.namespace,
			Labels:    map[string]string{clusterLabel: m.clusterName},
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{passwordKey: []byte(password)},
	}
	_, err = secrets.Create(ctx, secret, metav1.CreateOptions{})
	record("secret", "create", err)
	if kubeerr.IsAlreadyExists(err) {
		// lost a race with a concurrent provisioning of the same asset
		existing, err := secrets.Get(ctx, creds.SecretName, metav1.GetOptions{})
		if err != nil {
			return nil, clusterErr(err, "read credentials secret", creds.SecretName)
		}
		creds.Password = string(existing.Data[passwordKey])
		return creds, nil
	}
	if err != nil {
		return nil, clusterErr(err, "create credentials secret", creds.SecretName)
	}
	creds.Password = password
	return creds, nil
}

func generatePassword() (string, error) {
	buf := make([]byte, passwordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateMirrorConnector creates the connector mirroring spec.SourceTopic into
// spec.TargetTopic, then grants the source user access to the connector's
// offset-sync topic on the source cluster.
func (m *Manager) CreateMirrorConnector(ctx context.Context, spec MirrorSpec) (string, error) {
	if spec.Source.Alias == "" || spec.Target.Alias == "" || spec.SourceTopic == "" || spec.TargetTopic == "" {
		return "", errors.New(errors.ErrorTypeValidation, "mirror connector needs both cluster aliases and topics").
			WithDetail("asset_id", spec.AssetID)
	}
	name := ConnectorName(spec.AssetID)
	log := logger.WithContext(ctx, m.logger).With(zap.String("connector", name))

	_, err := m.resource(ConnectorResource).Create(ctx, m.connectorObject(name, spec), metav1.CreateOptions{})
	record("connector", "create", err)
	if err != nil && !kubeerr.IsAlreadyExists(err) {
		return "", clusterErr(err, "create mirror connector", name)
	}
	log.Info("mirror connector ready",
		zap.String("source_topic", spec.SourceTopic),
		zap.String("target_topic", spec.TargetTopic),
		zap.Bool("existed", err != nil))

	if err := m.grantOffsetSyncs(ctx, spec.SourceCredentials.Username, spec.Target.Alias); err != nil {
		return "", err
	}
	return name, nil
}

// grantOffsetSyncs merge-patches the user's ACL list. A merge patch replaces
// lists wholesale, so the full list is sent.
func (m *Manager) grantOffsetSyncs(ctx context.Context, userName, targetAlias string) error {
	topic := OffsetSyncsTopic(targetAlias)

	user, err := m.resource(UserResource).Get(ctx, userName, metav1.GetOptions{})
	record("user", "get", err)
	if err != nil {
		return clusterErr(err, "read source user", userName)
	}

	acls, _, err := unstructured.NestedSlice(user.Object, "spec", "authorization", "acls")
	if err != nil {
		return clusterErr(err, "decode source user acls", userName)
	}
	if grantsTopic(acls, topic, offsetSyncOps) {
		logger.WithContext(ctx, m.logger).Debug("offset-sync acl already granted", zap.String("user", userName))
		return nil
	}

	acls = append(acls, aclsToUnstructured([]ACL{TopicACL(topic, offsetSyncOps...)})...)
	patch, err := json.Marshal(map[string]interface{}{
		"spec": map[string]interface{}{
			"authorization": map[string]interface{}{
				"type": "simple",
				"acls": acls,
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode acl patch")
	}

	_, err = m.resource(UserResource).Patch(ctx, userName, types.MergePatchType, patch, metav1.PatchOptions{})
	record("user", "patch", err)
	if err != nil {
		return clusterErr(err, "patch source user acls", userName)
	}
	logger.WithContext(ctx, m.logger).Info("granted offset-sync acl",
		zap.String("user", userName), zap.String("topic", topic))
	return nil
}

func (m *Manager) delete(ctx context.Context, gvr schema.GroupVersionResource, resource, name string) error {
	err := m.resource(gvr).Delete(ctx, name, metav1.DeleteOptions{})
	record(resource, "delete", err)
	if err != nil && !kubeerr.IsNotFound(err) {
		return clusterErr(err, "delete "+resource, name)
	}
	return nil
}

// DeleteTopic removes the asset's topic. A missing topic counts as success.
func (m *Manager) DeleteTopic(ctx context.Context, assetID string) error {
	return m.delete(ctx, TopicResource, "topic", TopicName(assetID))
}

// DeleteUser removes the asset's user and its credentials secret.
func (m *Manager) DeleteUser(ctx context.Context, assetID string) error {
	if err := m.delete(ctx, UserResource, "user", UserName(assetID)); err != nil {
		return err
	}
	name := SecretName(assetID)
	err := m.kube.CoreV1().Secrets(m.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	record("secret", "delete", err)
	if err != nil && !kubeerr.IsNotFound(err) {
		return clusterErr(err, "delete credentials secret", name)
	}
	return nil
}

// DeleteMirrorConnector removes the asset's connector.
func (m *Manager) DeleteMirrorConnector(ctx context.Context, assetID string) error {
	return m.delete(ctx, ConnectorResource, "connector", ConnectorName(assetID))
}

// ProvisionRequest describes a provider stream to mirror locally.
type ProvisionRequest struct {
	AssetID string
	// Source is the provider cluster; SourceCredentials must name a user and
	// secret present in the manager's namespace
	Source            ClusterRef
	SourceTopic       string
	SourceCredentials Credentials
	Target            ClusterRef
}

// Provisioned lists the resources created for a stream.
type Provisioned struct {
	Topic       string
	Credentials *Credentials
	Connector   string
}

// Provision verifies the provider topic, then creates the local topic, the
// consumer user and the mirror connector. Failures are returned as cluster
// provisioning errors and are not retried here.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (_ *Provisioned, err error) {
	ctx = logger.WithAsset(ctx, req.AssetID)
	ctx, span := observability.StartSpan(ctx, "streaming.Provision", attribute.String("asset_id", req.AssetID))
	defer func() { observability.EndSpan(span, err) }()

	if req.AssetID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "asset id is required")
	}

	if m.verifier != nil {
		if err := m.verifier.VerifyTopic(ctx, req.Source, req.SourceCredentials, req.SourceTopic); err != nil {
			return nil, provisioningErr(err, "verify source topic")
		}
	}

	topic, err := m.CreateTopic(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}

	creds, err := m.CreateUser(ctx, req.AssetID, []ACL{
		TopicACL(topic, "Read", "Describe", "Write"),
		GroupACL("*", "Read"),
	})
	if err != nil {
		return nil, err
	}

	connector, err := m.CreateMirrorConnector(ctx, MirrorSpec{
		AssetID:           req.AssetID,
		Source:            req.Source,
		SourceTopic:       req.SourceTopic,
		SourceCredentials: req.SourceCredentials,
		Target:            req.Target,
		TargetTopic:       topic,
		TargetCredentials: *creds,
	})
	if err != nil {
		return nil, provisioningErr(err, "create mirror connector")
	}

	logger.WithContext(ctx, m.logger).Info("stream provisioned",
		zap.String("topic", topic), zap.String("connector", connector))
	return &Provisioned{Topic: topic, Credentials: creds, Connector: connector}, nil
}

// provisioningErr keeps cluster errors as they are and wraps anything else.
func provisioningErr(err error, msg string) error {
	if errors.IsType(err, errors.ErrorTypeClusterProvisioning) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeClusterProvisioning, msg)
}

// Teardown deletes the connector, topic and user of an asset. Every delete is
// attempted; their errors are combined.
func (m *Manager) Teardown(ctx context.Context, assetID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "streaming.Teardown", attribute.String("asset_id", assetID))
	defer func() { observability.EndSpan(span, err) }()

	var result *multierror.Error
	if err := m.DeleteMirrorConnector(ctx, assetID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.DeleteTopic(ctx, assetID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.DeleteUser(ctx, assetID); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeClusterProvisioning, "teardown streaming resources").
			WithDetail("asset_id", assetID)
	}
	logger.WithContext(ctx, m.logger).Info("streaming resources removed")
	return nil
}
