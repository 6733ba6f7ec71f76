package relay

import "fmt"

// ConnectError reports a failed stream connect for one topic.
type ConnectError struct {
	Topic Topic
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("relay %s: connect: %v", e.Topic, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StreamError reports a transport failure after the stream was established.
type StreamError struct {
	Topic Topic
	Err   error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("relay %s: read: %v", e.Topic, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// LaunchError reports a channel that could not be launched at all.
type LaunchError struct {
	Topic Topic
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("relay %s: launch: %v", e.Topic, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
