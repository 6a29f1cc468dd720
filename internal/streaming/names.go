package streaming

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// maxNameLen keeps every prefixed name (at most "kuser-", 6 characters) within
// the 63 character label limit that Strimzi applies to topic, user and
// connector names. Secret names carry an extra "-credentials" and only need to
// fit the 253 character object name limit.
const maxNameLen = 48

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitize turns an asset id into a DNS-1123 label fragment. Ids that do not
// fit are truncated and suffixed with a hash so distinct ids stay distinct.
func sanitize(assetID string) string {
	s := strings.Trim(invalidNameChars.ReplaceAllString(strings.ToLower(assetID), "-"), "-")
	if s != "" && s == assetID && len(s) <= maxNameLen {
		return s
	}

	if len(s) > maxNameLen-9 {
		s = strings.TrimRight(s[:maxNameLen-9], "-")
	}
	if s == "" {
		return fmt.Sprintf("%08x", hashOf(assetID))
	}
	return fmt.Sprintf("%s-%08x", s, hashOf(assetID))
}

func hashOf(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// TopicName is the topic holding the mirrored stream of an asset.
func TopicName(assetID string) string { return "ds-" + sanitize(assetID) }

// UserName is the cluster user allowed to consume the asset's topic.
func UserName(assetID string) string { return "kuser-" + sanitize(assetID) }

// SecretName is the secret holding the password of UserName(assetID).
func SecretName(assetID string) string { return UserName(assetID) + "-credentials" }

// ConnectorName is the mirror connector feeding the asset's topic.
func ConnectorName(assetID string) string { return "mm2-" + sanitize(assetID) }

// OffsetSyncsTopic is the internal topic a mirror connector writes to on
// its source cluster when replicating towards targetAlias.
func OffsetSyncsTopic(targetAlias string) string {
	return "mm2-offset-syncs." + targetAlias + ".internal"
}
