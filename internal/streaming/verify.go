package streaming

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"

	"github.com/ajitpratap0/marketsync/pkg/config"
	"github.com/ajitpratap0/marketsync/pkg/errors"
)

// TopicVerifier checks that a provider topic exists before it is mirrored.
type TopicVerifier interface {
	VerifyTopic(ctx context.Context, cluster ClusterRef, creds Credentials, topic string) error
}

// SaramaTopicVerifier looks topics up with a sarama cluster admin.
type SaramaTopicVerifier struct {
	mechanism string
	tls       bool
	timeout   time.Duration
}

// NewSaramaTopicVerifier creates a verifier using the SASL settings in cfg.
func NewSaramaTopicVerifier(cfg config.KafkaConfig) *SaramaTopicVerifier {
	mechanism := cfg.SASLMechanism
	if mechanism == "" {
		mechanism = sarama.SASLTypeSCRAMSHA512
	}
	return &SaramaTopicVerifier{mechanism: mechanism, tls: cfg.EnableTLS, timeout: 10 * time.Second}
}

func (v *SaramaTopicVerifier) saramaConfig(creds Credentials) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "marketsync-verifier"
	cfg.Net.DialTimeout = v.timeout
	cfg.Net.ReadTimeout = v.timeout
	cfg.Admin.Timeout = v.timeout

	if v.tls {
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if creds.Username != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = creds.Username
		cfg.Net.SASL.Password = creds.Password

		switch strings.ToUpper(v.mechanism) {
		case sarama.SASLTypePlaintext:
			cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case sarama.SASLTypeSCRAMSHA256:
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{HashGeneratorFcn: sha256.New}
			}
		default:
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{HashGeneratorFcn: sha512.New}
			}
		}
	}
	return cfg
}

// VerifyTopic returns a cluster provisioning error when the topic cannot be
// found or the cluster cannot be reached.
func (v *SaramaTopicVerifier) VerifyTopic(ctx context.Context, cluster ClusterRef, creds Credentials, topic string) error {
	brokers := strings.Split(cluster.BootstrapServers, ",")

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		admin, err := sarama.NewClusterAdmin(brokers, v.saramaConfig(creds))
		if err != nil {
			done <- result{errors.Wrap(err, errors.ErrorTypeClusterProvisioning, "connect to source cluster").
				WithDetail("cluster", cluster.Alias)}
			return
		}
		defer admin.Close()

		meta, err := admin.DescribeTopics([]string{topic})
		if err != nil {
			done <- result{errors.Wrap(err, errors.ErrorTypeClusterProvisioning, "describe source topic").
				WithDetail("topic", topic)}
			return
		}
		for _, m := range meta {
			if m.Name == topic && m.Err == sarama.ErrNoError {
				done <- result{}
				return
			}
		}
		done <- result{errors.Newf(errors.ErrorTypeClusterProvisioning, "source topic %q not found", topic).
			WithDetail("cluster", cluster.Alias)}
	}()

	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeClusterProvisioning, "verify source topic")
	case r := <-done:
		return r.err
	}
}

// scramClient adapts xdg-go/scram to sarama.SCRAMClient.
type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.Client = client
	c.ClientConversation = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.ClientConversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.ClientConversation.Done()
}
