package streaming

import (
	"regexp"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	strimziGroup   = "kafka.strimzi.io"
	strimziVersion = "v1beta2"
	clusterLabel   = "strimzi.io/cluster"
	passwordKey    = "password"
	scramSHA512    = "scram-sha-512"

	identityReplicationPolicy = "org.apache.kafka.connect.mirror.IdentityReplicationPolicy"
	byteArrayConverter        = "org.apache.kafka.connect.converters.ByteArrayConverter"
	regexRouter               = "org.apache.kafka.connect.transforms.RegexRouter"
)

var (
	TopicResource     = schema.GroupVersionResource{Group: strimziGroup, Version: strimziVersion, Resource: "kafkatopics"}
	UserResource      = schema.GroupVersionResource{Group: strimziGroup, Version: strimziVersion, Resource: "kafkausers"}
	ConnectorResource = schema.GroupVersionResource{Group: strimziGroup, Version: strimziVersion, Resource: "kafkamirrormaker2s"}
)

// ListKinds maps the custom resources to their list kinds, as needed by
// dynamic clients that have no discovery.
var ListKinds = map[schema.GroupVersionResource]string{
	TopicResource:     "KafkaTopicList",
	UserResource:      "KafkaUserList",
	ConnectorResource: "KafkaMirrorMaker2List",
}

// ACL is one access rule of a cluster user.
type ACL struct {
	// ResourceType is topic, group, cluster or transactionalId
	ResourceType string
	Name         string
	// PatternType is literal or prefix; empty means literal
	PatternType string
	Operations  []string
}

// TopicACL grants ops on a literal topic.
func TopicACL(topic string, ops ...string) ACL {
	return ACL{ResourceType: "topic", Name: topic, PatternType: "literal", Operations: ops}
}

// GroupACL grants ops on a literal consumer group.
func GroupACL(group string, ops ...string) ACL {
	return ACL{ResourceType: "group", Name: group, PatternType: "literal", Operations: ops}
}

// Credentials authenticate a cluster user with SCRAM.
type Credentials struct {
	Username string
	Password string
	// SecretName is the secret in the manager's namespace that holds Password
	SecretName string
}

// ClusterRef addresses a Kafka cluster.
type ClusterRef struct {
	Alias            string
	BootstrapServers string
}

// MirrorSpec configures a mirror connector from a provider topic to a local one.
type MirrorSpec struct {
	AssetID           string
	Source            ClusterRef
	SourceTopic       string
	SourceCredentials Credentials
	Target            ClusterRef
	TargetTopic       string
	TargetCredentials Credentials
}

func newObject(kind, name, namespace, cluster string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion(strimziGroup + "/" + strimziVersion)
	obj.SetKind(kind)
	obj.SetName(name)
	obj.SetNamespace(namespace)
	if cluster != "" {
		obj.SetLabels(map[string]string{clusterLabel: cluster})
	}
	return obj
}

func (m *Manager) topicObject(name string) *unstructured.Unstructured {
	obj := newObject("KafkaTopic", name, m.namespace, m.clusterName)
	obj.Object["spec"] = map[string]interface{}{
		"partitions": int64(m.topic.Partitions),
		"replicas":   int64(m.topic.Replicas),
		"config": map[string]interface{}{
			"retention.ms":  m.topic.RetentionMs,
			"segment.bytes": m.topic.SegmentBytes,
		},
	}
	return obj
}

func (m *Manager) userObject(name, secretName string, acls []ACL) *unstructured.Unstructured {
	obj := newObject("KafkaUser", name, m.namespace, m.clusterName)
	obj.Object["spec"] = map[string]interface{}{
		"authentication": map[string]interface{}{
			"type": scramSHA512,
			"password": map[string]interface{}{
				"valueFrom": map[string]interface{}{
					"secretKeyRef": map[string]interface{}{
						"name": secretName,
						"key":  passwordKey,
					},
				},
			},
		},
		"authorization": map[string]interface{}{
			"type": "simple",
			"acls": aclsToUnstructured(acls),
		},
	}
	return obj
}

func (m *Manager) connectorObject(name string, spec MirrorSpec) *unstructured.Unstructured {
	obj := newObject("KafkaMirrorMaker2", name, m.namespace, "")
	connectorConfig := map[string]interface{}{
		"replication.policy.class":      identityReplicationPolicy,
		"key.converter":                 byteArrayConverter,
		"value.converter":               byteArrayConverter,
		"transforms":                    "rename",
		"transforms.rename.type":        regexRouter,
		"transforms.rename.regex":       "^" + regexp.QuoteMeta(spec.SourceTopic) + "$",
		"transforms.rename.replacement": spec.TargetTopic,
	}
	obj.Object["spec"] = map[string]interface{}{
		"replicas":       int64(m.replicas),
		"connectCluster": spec.Target.Alias,
		"clusters": []interface{}{
			clusterSpec(spec.Source, spec.SourceCredentials),
			clusterSpec(spec.Target, spec.TargetCredentials),
		},
		"mirrors": []interface{}{
			map[string]interface{}{
				"sourceCluster": spec.Source.Alias,
				"targetCluster": spec.Target.Alias,
				"topicsPattern": regexp.QuoteMeta(spec.SourceTopic),
				"sourceConnector": map[string]interface{}{
					"tasksMax": int64(1),
					"config":   connectorConfig,
				},
			},
		},
	}
	return obj
}

func clusterSpec(ref ClusterRef, creds Credentials) map[string]interface{} {
	return map[string]interface{}{
		"alias":            ref.Alias,
		"bootstrapServers": ref.BootstrapServers,
		"authentication": map[string]interface{}{
			"type":     scramSHA512,
			"username": creds.Username,
			"passwordSecret": map[string]interface{}{
				"secretName": creds.SecretName,
				"password":   passwordKey,
			},
		},
	}
}

func aclsToUnstructured(acls []ACL) []interface{} {
	out := make([]interface{}, 0, len(acls))
	for _, acl := range acls {
		pattern := acl.PatternType
		if pattern == "" {
			pattern = "literal"
		}
		ops := make([]interface{}, 0, len(acl.Operations))
		for _, op := range acl.Operations {
			ops = append(ops, op)
		}
		out = append(out, map[string]interface{}{
			"resource": map[string]interface{}{
				"type":        acl.ResourceType,
				"name":        acl.Name,
				"patternType": pattern,
			},
			"operations": ops,
			"host":       "*",
		})
	}
	return out
}

// grantsTopic reports whether an unstructured ACL list already grants every
// op on the literal topic.
func grantsTopic(acls []interface{}, topic string, ops []string) bool {
	granted := map[string]bool{}
	for _, raw := range acls {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _, _ := unstructured.NestedString(entry, "resource", "type")
		name, _, _ := unstructured.NestedString(entry, "resource", "name")
		if typ != "topic" || name != topic {
			continue
		}
		entryOps, _, _ := unstructured.NestedStringSlice(entry, "operations")
		for _, op := range entryOps {
			granted[op] = true
		}
	}
	for _, op := range ops {
		if !granted[op] {
			return false
		}
	}
	return true
}
