package handlers

// Common error message constants shared across handlers
const (
	ErrMsgInvalidRequestBody = "Invalid request body"
	ErrMsgInvalidRecordID    = "Invalid record ID"
	ErrMsgInvalidSubjectID   = "Invalid subject ID"
	ErrMsgInvalidUserID      = "Invalid user ID"
	ErrMsgRecordNotFound     = "Record not found"
	ErrMsgSubjectNotFound    = "Subject not found"
	ErrMsgUserNotFound       = "User not found"
	ErrMsgRoleNotFound       = "Role not found"
	ErrMsgUnauthorized       = "Unauthorized"
)
