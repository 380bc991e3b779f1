package model

import "errors"

var ErrorMessageNotFound = errors.New("message not found")
var ErrorSenderMismatch = errors.New("sender mismatch")
var ErrorReactionsUnsupported = errors.New("reactions not supported by active backend")
