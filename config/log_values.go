package config

import (
	"github.com/sirupsen/logrus"
)

// LogValues writes the effective configuration to the given logger
func (c *Config) LogValues(logger *logrus.Entry) {
	logger.Info("caching:")
	c.Caching.LogValues(logger)
	logger.Info("iterator:")
	c.Iterator.LogValues(logger)
	logger.Info("validator:")
	c.Validator.LogValues(logger)
	logger.Info("transport:")
	c.Transport.LogValues(logger)

	logger.Infof("mesh workers = %d", c.Mesh.MaxWorkers)
}

func (c *CachingConfig) LogValues(logger *logrus.Entry) {
	logger.Infof("  maxTime = %s", c.MaxCachingTime)
	logger.Infof("  cacheTimeNegative = %s", c.CacheTimeNegative)
	logger.Infof("  servfailTTL = %s", c.ServfailTTL)
	logger.Infof("  maxItemsCount = %d", c.MaxItemsCount)
}

func (c *IteratorConfig) LogValues(logger *logrus.Entry) {
	logger.Infof("  maxReferralDepth = %d", c.MaxReferralDepth)
	logger.Infof("  maxCNAMEChain = %d", c.MaxCNAMEChain)

	if len(c.RootHints) > 0 {
		logger.Infof("  rootHints = %v", c.RootHints)
	}
}

func (c *ValidatorConfig) LogValues(logger *logrus.Entry) {
	logger.Infof("  enable = %t", c.Enable)
	logger.Infof("  trustAnchors = %d configured", len(c.TrustAnchors))
	logger.Infof("  maxChainDepth = %d", c.MaxChainDepth)
	logger.Infof("  clockSkewTolerance = %s", c.ClockSkewTolerance)
}

func (c *TransportConfig) LogValues(logger *logrus.Entry) {
	logger.Infof("  timeout = %s", c.Timeout)
	logger.Infof("  attempts = %d", c.Attempts)
	logger.Infof("  maxInflightPerZone = %d", c.MaxInflightPerZone)
	logger.Infof("  udpBufferSize = %d", c.UDPBufferSize)
}
