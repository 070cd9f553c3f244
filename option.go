package llc

import "github.com/pkg/errors"

// OptMaxConnections sets the size of the connection environment table.
func OptMaxConnections(n int) Option {
	return func(c *Config) error {
		c.MaxConnections = n
		return nil
	}
}

// OptTxDescriptors sets the outstanding descriptor budget shared by all links.
func OptTxDescriptors(n int) Option {
	return func(c *Config) error {
		c.TxDescriptors = n
		return nil
	}
}

// OptMaxPendingPackets limits queued upper layer packets per connection.
func OptMaxPendingPackets(n int) Option {
	return func(c *Config) error {
		c.MaxPendingPackets = n
		return nil
	}
}

// OptInstantMargin sets how many connection events ahead an instant is placed.
func OptInstantMargin(events uint16) Option {
	return func(c *Config) error {
		c.InstantMargin = events
		return nil
	}
}

// OptCollisionPolicy selects who wins simultaneous parameter procedures.
func OptCollisionPolicy(p string) Option {
	return func(c *Config) error {
		if p != CollisionFirstRequester && p != CollisionCentralWins {
			return errors.Wrapf(ErrInvalidParameters, "collision policy %q", p)
		}
		c.CollisionPolicy = p
		return nil
	}
}

// OptLocalFeatures overrides the advertised LE feature mask.
func OptLocalFeatures(mask uint64) Option {
	return func(c *Config) error {
		c.LocalFeatures = mask
		return nil
	}
}

// OptMaxOctets sets the local maximum payload sizes used in length negotiation.
func OptMaxOctets(tx, rx uint16) Option {
	return func(c *Config) error {
		c.MaxTxOctets, c.MaxRxOctets = tx, rx
		return nil
	}
}

// OptTerminateOnViolation chooses whether malformed peer PDUs drop the link.
func OptTerminateOnViolation(t bool) Option {
	return func(c *Config) error {
		c.TerminateOnViolation = t
		return nil
	}
}

// OptTerminateOnSecurityFailure chooses whether a failed key refresh drops
// the link.
func OptTerminateOnSecurityFailure(t bool) Option {
	return func(c *Config) error {
		c.TerminateOnSecurityFailure = t
		return nil
	}
}

// OptStoreKeyLookup lets the controller answer key requests from the bond store.
func OptStoreKeyLookup(b bool) Option {
	return func(c *Config) error {
		c.StoreKeyLookup = b
		return nil
	}
}

// OptAuthPayloadTimeout sets the authenticated payload timeout and ping margin.
func OptAuthPayloadTimeout(to, margin uint16) Option {
	return func(c *Config) error {
		c.AuthPayloadTimeout, c.AuthPayloadMargin = to, margin
		return nil
	}
}
