package controller

import (
	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/proc"
)

// Option configures a Controller.
type Option func(*Controller) error

// OptErrorHandler sets the function Serve reports dispatch errors to.
func OptErrorHandler(f func(error)) Option {
	return func(c *Controller) error {
		if f == nil {
			return errors.Wrap(llc.ErrInvalidParameters, "nil error handler")
		}
		c.errorHandler = f
		return nil
	}
}

// OptDataHandler sets the function received application data is handed to.
func OptDataHandler(f func(h llc.Handle, data []byte, start bool)) Option {
	return func(c *Controller) error {
		c.dataHandler = f
		return nil
	}
}

// OptKeyStore lets encryption procedures look up bonded keys.
func OptKeyStore(k proc.KeyStore) Option {
	return func(c *Controller) error {
		c.keys = k
		return nil
	}
}
