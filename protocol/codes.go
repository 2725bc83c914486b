package protocol

import "strconv"

// ErrorCode is the numeric error code carried in the third field of a result line.
type ErrorCode int

const (
	ErrorNone                ErrorCode = 0
	ErrorUnknown             ErrorCode = 1
	ErrorAborted             ErrorCode = 2
	ErrorNetworkTimeout      ErrorCode = 3
	ErrorNetworkReceive      ErrorCode = 4
	ErrorNetworkSend         ErrorCode = 5
	ErrorDisconnected        ErrorCode = 6
	ErrorParse               ErrorCode = 7
	ErrorUnknownCommand      ErrorCode = 8
	ErrorExpectedParameter   ErrorCode = 9
	ErrorNoPassword          ErrorCode = 10
	ErrorInvalidPassword     ErrorCode = 11
	ErrorAuthorization       ErrorCode = 12
	ErrorLoadVolumeFail      ErrorCode = 13
	ErrorIncompatibleVersion ErrorCode = 14
)

var errorCodeNames = map[ErrorCode]string{
	ErrorNone:                "NONE",
	ErrorUnknown:             "UNKNOWN",
	ErrorAborted:             "ABORTED",
	ErrorNetworkTimeout:      "NETWORK_TIMEOUT",
	ErrorNetworkReceive:      "NETWORK_RECEIVE",
	ErrorNetworkSend:         "NETWORK_SEND",
	ErrorDisconnected:        "DISCONNECTED",
	ErrorParse:               "PARSE",
	ErrorUnknownCommand:      "UNKNOWN_COMMAND",
	ErrorExpectedParameter:   "EXPECTED_PARAMETER",
	ErrorNoPassword:          "NO_PASSWORD",
	ErrorInvalidPassword:     "INVALID_PASSWORD",
	ErrorAuthorization:       "AUTHORIZATION",
	ErrorLoadVolumeFail:      "LOAD_VOLUME_FAIL",
	ErrorIncompatibleVersion: "INCOMPATIBLE_VERSION",
}

// String returns the symbolic name of the code, or its number when unknown.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "ERROR_" + strconv.Itoa(int(c))
}
