// Package topics builds and parses the MQTT topic names used for direct
// methods and cloud-to-device messages.
package topics

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// MethodsPrefix is followed by the method name and the request properties:
	// $iothub/methods/POST/{method name}/?$rid={request id}
	MethodsPrefix = "$iothub/methods/POST/"

	RequestIDProperty = "$rid"
)

var (
	ErrNotMethodTopic   = errors.New("topic is not a direct method call")
	ErrMalformedSuffix  = errors.New("method topic misses the property suffix")
	ErrMissingRequestID = errors.New("request id is missing")
	ErrDuplicateKey     = errors.New("duplicate property")
)

// MethodsSubscription is the filter to subscribe to all direct method calls.
func MethodsSubscription() string {
	return MethodsPrefix + "#"
}

// ResponseTopic addresses the response to the call with the given request id.
func ResponseTopic(status uint16, requestID string) string {
	return "$iothub/methods/res/" + strconv.Itoa(int(status)) + "/?" + RequestIDProperty + "=" + requestID
}

// C2DSubscription is the filter for cloud-to-device messages of one device.
func C2DSubscription(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/#"
}

// Properties are the query-style properties appended to a topic. A key
// present without '=' maps to nil.
type Properties map[string]*string

// Get returns the value of key and whether it is present with a value.
func (p Properties) Get(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// ParseQuery parses "k1=v1&k2&k3=v3". Order is irrelevant, keys must be unique.
func ParseQuery(s string) (Properties, error) {
	props := Properties{}
	if s == "" {
		return props, nil
	}
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, hasValue := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("invalid property name %q: %w", rawKey, err)
		}
		if _, dup := props[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		if !hasValue {
			props[key] = nil
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("invalid value of property %q: %w", key, err)
		}
		props[key] = &value
	}
	return props, nil
}

// ParseMethodTopic extracts the method name and request id from a direct
// method topic. Method names may contain '/', so the name ends at the last
// '/' of the topic, which must be followed by '?' and the properties.
func ParseMethodTopic(topic string) (method, requestID string, err error) {
	rest, ok := strings.CutPrefix(topic, MethodsPrefix)
	if !ok {
		return "", "", ErrNotMethodTopic
	}

	lastSlash := strings.LastIndexByte(rest, '/')
	if lastSlash < 0 {
		return "", "", ErrMalformedSuffix
	}
	suffix := rest[lastSlash+1:]
	if !strings.HasPrefix(suffix, "?") {
		return "", "", ErrMalformedSuffix
	}

	props, err := ParseQuery(suffix[1:])
	if err != nil {
		return "", "", err
	}
	rid, ok := props.Get(RequestIDProperty)
	if !ok || rid == "" {
		return "", "", ErrMissingRequestID
	}

	return rest[:lastSlash], rid, nil
}
