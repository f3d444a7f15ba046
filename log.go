package pool

import log "github.com/sirupsen/logrus"

// packageLogger is the root logger every subpackage-scoped logger derives
// from.
var packageLogger = log.WithField("package", "pool")
