package errors

import (
	"fmt"
	"time"
)

type ConnectionNotFound struct {
	ConnId string
}

func (e *ConnectionNotFound) Error() string {
	return fmt.Sprintf("No connection registered with id=%s", e.ConnId)
}

type ClientUnreachable struct {
	ClientId string
	Reason   string
}

func (e *ClientUnreachable) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("Client %s is unreachable", e.ClientId)
	}
	return fmt.Sprintf("Client %s is unreachable: %s", e.ClientId, e.Reason)
}

type ParseError struct {
	ConnId string
	Cause  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Malformed frame from connection %s: %v", e.ConnId, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

type CommandTimeout struct {
	ClientId      string
	CorrelationId string
	Timeout       time.Duration
}

func (e *CommandTimeout) Error() string {
	return fmt.Sprintf("Command %s to client %s timed out after %v", e.CorrelationId, e.ClientId, e.Timeout)
}

type InvalidArgument struct {
	Context  string
	Argument string
	Value    string
}

func (e *InvalidArgument) Error() string {
	return fmt.Sprintf("Invalid argument %s=%s in %s", e.Argument, e.Value, e.Context)
}

type PermissionDenied struct {
	ConnId     string
	Permission string
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("Connection %s lacks permission '%s'", e.ConnId, e.Permission)
}

type RegistrationRejected struct {
	ClientId string
	Reason   string
}

func (e *RegistrationRejected) Error() string {
	return fmt.Sprintf("Registration rejected for client %s: %s", e.ClientId, e.Reason)
}

type ConfigRejected struct {
	ClientId string
	Reason   string
}

func (e *ConfigRejected) Error() string {
	return fmt.Sprintf("Client %s rejected config update: %s", e.ClientId, e.Reason)
}

type WriteFailed struct {
	ConnId string
	Cause  error
}

func (e *WriteFailed) Error() string {
	return fmt.Sprintf("Write to connection %s failed: %v", e.ConnId, e.Cause)
}

func (e *WriteFailed) Unwrap() error {
	return e.Cause
}
