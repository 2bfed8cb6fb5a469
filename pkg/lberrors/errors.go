// Package lberrors is the error taxonomy of the selection engine (spec §7):
// NoEligibleServer, ConfigurationFault, RuleInternalFault, UpdaterFault.
package lberrors

import (
	"errors"
	"fmt"
)

// ErrNoEligibleServer is returned (never panicked) when chooseServer has no
// server to offer. It is not a failure per se; callers decide whether to
// surface it.
var ErrNoEligibleServer = errors.New("loadbalancer: no eligible server")

// ConfigurationFault is fatal at construction time: missing or unparseable
// configuration for a LoadBalancer, Rule, or Predicate.
type ConfigurationFault struct {
	Component string
	Detail    string
	Err       error
}

func (e *ConfigurationFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration fault in %s: %s: %v", e.Component, e.Detail, e.Err)
	}
	return fmt.Sprintf("configuration fault in %s: %s", e.Component, e.Detail)
}

func (e *ConfigurationFault) Unwrap() error { return e.Err }

// NewConfigurationFault constructs a ConfigurationFault.
func NewConfigurationFault(component, detail string, err error) *ConfigurationFault {
	return &ConfigurationFault{Component: component, Detail: detail, Err: err}
}

// RuleInternalFault wraps an unchecked panic or error recovered at the
// chooseServer boundary. LoadBalancer.ChooseServer logs it and returns it
// as its error in place of the panic, with ErrNoEligibleServer in its
// chain so callers can treat it as ErrNoEligibleServer.
type RuleInternalFault struct {
	Rule string
	Err  error
}

func (e *RuleInternalFault) Error() string {
	return fmt.Sprintf("rule internal fault in %s: %v", e.Rule, e.Err)
}

func (e *RuleInternalFault) Unwrap() error { return e.Err }

// NewRuleInternalFault constructs a RuleInternalFault.
func NewRuleInternalFault(rule string, err error) *RuleInternalFault {
	return &RuleInternalFault{Rule: rule, Err: err}
}

// UpdaterFault records a failed ServerListUpdater invocation. The previous
// list is retained; this is logged and counted, never fatal.
type UpdaterFault struct {
	Source string
	Err    error
}

func (e *UpdaterFault) Error() string {
	return fmt.Sprintf("server list update from %s failed: %v", e.Source, e.Err)
}

func (e *UpdaterFault) Unwrap() error { return e.Err }

// NewUpdaterFault constructs an UpdaterFault.
func NewUpdaterFault(source string, err error) *UpdaterFault {
	return &UpdaterFault{Source: source, Err: err}
}

// IsConfigurationFault reports whether err is (or wraps) a ConfigurationFault.
func IsConfigurationFault(err error) bool {
	var cf *ConfigurationFault
	return errors.As(err, &cf)
}

// IsUpdaterFault reports whether err is (or wraps) an UpdaterFault.
func IsUpdaterFault(err error) bool {
	var uf *UpdaterFault
	return errors.As(err, &uf)
}
