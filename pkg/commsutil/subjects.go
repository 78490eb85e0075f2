package commsutil

import (
	"strings"
)

// DefaultSubjectPrefix is the device subject namespace.
const DefaultSubjectPrefix = "avs.device"

// HeaderAttachmentSubject names the subject an event's attachment was published to.
const HeaderAttachmentSubject = "Attachment-Subject"

// HeaderMessageID carries the event message id.
const HeaderMessageID = "Message-Id"

// DirectivesSubject is where inbound directive JSON arrives.
func DirectivesSubject(prefix string) string {
	return prefix + ".directives"
}

// DialogSubject is where a new dialog request id arrives.
func DialogSubject(prefix string) string {
	return prefix + ".dialog"
}

// AttachmentSubject is where the bytes of attachment id arrive.
func AttachmentSubject(prefix, id string) string {
	return prefix + ".attachments." + id
}

// AttachmentsWildcard matches every inbound attachment subject, including ids with dots.
func AttachmentsWildcard(prefix string) string {
	return prefix + ".attachments.>"
}

// AttachmentIDFromSubject returns the attachment id of an inbound attachment subject: everything
// after "<prefix>.attachments.".
func AttachmentIDFromSubject(prefix, subject string) (string, bool) {
	base := prefix + ".attachments."
	if !strings.HasPrefix(subject, base) {
		return "", false
	}
	id := strings.TrimPrefix(subject, base)
	if id == "" {
		return "", false
	}
	return id, true
}

// EventsSubject is where outbound event envelopes are published.
func EventsSubject(prefix string) string {
	return prefix + ".events"
}

// EventAttachmentSubject is where the attachment of outbound event messageID is published.
func EventAttachmentSubject(eventsSubject, messageID string) string {
	return eventsSubject + ".attachments." + messageID
}
