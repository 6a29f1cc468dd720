package testutil

import (
	"context"
	"os"
	"time"

	"github.com/stretchr/testify/suite"
)

// PostgresDSNEnv names the variable that enables tests against a real postgres.
const PostgresDSNEnv = "MARKETSYNC_TEST_POSTGRES_DSN"

// IntegrationTestSuite provides base functionality for tests that need
// external services. Suites embedding it are skipped when the DSN is unset.
type IntegrationTestSuite struct {
	suite.Suite
	Ctx    context.Context
	cancel context.CancelFunc
	DSN    string
}

// SetupSuite runs before all tests in the suite
func (s *IntegrationTestSuite) SetupSuite() {
	s.DSN = os.Getenv(PostgresDSNEnv)
	if s.DSN == "" {
		s.T().Skipf("%s not set", PostgresDSNEnv)
	}
	s.Ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
}

// TearDownSuite runs after all tests in the suite
func (s *IntegrationTestSuite) TearDownSuite() {
	if s.cancel != nil {
		s.cancel()
	}
}
