package timesync

import (
	"time"

	"github.com/beevik/ntp"
	"github.com/samber/oops"
)

// NTPClient abstracts the NTP query so tests can substitute a fake server.
type NTPClient interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

// DefaultNTPClient queries real NTP servers.
type DefaultNTPClient struct{}

func (c *DefaultNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

const (
	ntpQueryTimeout = 10 * time.Second

	// maxBootSkew is the wall clock error beyond which a warning is
	// logged at startup. Peer sync does not depend on wall time, but a
	// grossly wrong system clock usually means a broken host.
	maxBootSkew = 10 * time.Second
)

// ErrNTPUnreachable is returned when no configured server answered.
var ErrNTPUnreachable = oops.Errorf("timesync: no NTP server reachable")

// VerifySystemClock runs a one-shot boot-time sanity check of the system
// wall clock against the given NTP servers, returning the first measured
// offset. Peer-to-peer synchronization never consumes this value; it exists
// purely to surface hosts whose clocks are wildly off before the first
// handshake confuses the operator.
func VerifySystemClock(client NTPClient, servers []string) (time.Duration, error) {
	if client == nil {
		client = &DefaultNTPClient{}
	}
	for _, server := range servers {
		resp, err := client.QueryWithOptions(server, ntp.QueryOptions{Timeout: ntpQueryTimeout})
		if err != nil {
			log.WithField("server", server).WithError(err).Debug("NTP query failed")
			continue
		}
		if err := resp.Validate(); err != nil {
			log.WithField("server", server).WithError(err).Debug("NTP response failed validation")
			continue
		}
		offset := resp.ClockOffset
		if offset > maxBootSkew || offset < -maxBootSkew {
			log.WithFields(map[string]interface{}{
				"server": server,
				"offset": offset.String(),
			}).Warn("System wall clock is significantly off; check host time configuration")
		}
		return offset, nil
	}
	return 0, ErrNTPUnreachable
}
