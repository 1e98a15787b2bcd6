package sip

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// RFC3261BranchMagicCookie is the required prefix of every Via branch
// parameter generated by a RFC 3261 compliant element.
const RFC3261BranchMagicCookie = "z9hG4bK"

// TxSeperator joins the three components of a dialog identity string.
const TxSeperator = "__"

var SIPDebug bool

// GenerateBranch returns a random unique branch ID, magic-cookie prefixed.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns a random unique branch ID of n random characters,
// in the form MagicCookie.<n chars>.
func GenerateBranchN(n int) string {
	var sb strings.Builder
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	RandStringBytesMask(&sb, n)
	return sb.String()
}

// GenerateTagN returns a random tag value of n characters.
func GenerateTagN(n int) string {
	var sb strings.Builder
	RandStringBytesMask(&sb, n)
	return sb.String()
}

// DialogIDFromResponse builds the dialog identity seen by whichever side
// received this response.
func DialogIDFromResponse(msg *Response) (string, error) {
	var callID, toTag, fromTag string
	if err := getDialogIDFromMessage(msg, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAS builds the dialog identity as seen by the side
// that received this request (local tag = To tag, remote tag = From tag).
func DialogIDFromRequestUAS(msg *Request) (string, error) {
	var callID, toTag, fromTag string
	if err := getDialogIDFromMessage(msg, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAC builds the dialog identity as seen by the side
// that sent this request (local tag = From tag, remote tag = To tag).
func DialogIDFromRequestUAC(msg *Request) (string, error) {
	var callID, toTag, fromTag string
	if err := getDialogIDFromMessage(msg, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return DialogIDMake(callID, fromTag, toTag), nil
}

func getDialogIDFromMessage(msg Message, callID, toTag, fromTag *string) error {
	cid, ok := msg.CallID()
	if !ok {
		return fmt.Errorf("missing Call-ID header")
	}

	to, ok := msg.To()
	if !ok {
		return fmt.Errorf("missing To header")
	}
	tt, ok := to.Tag()
	if !ok {
		return fmt.Errorf("missing tag param in To header")
	}

	from, ok := msg.From()
	if !ok {
		return fmt.Errorf("missing From header")
	}
	ft, ok := from.Tag()
	if !ok {
		return fmt.Errorf("missing tag param in From header")
	}

	*callID = string(*cid)
	*toTag = tt
	*fromTag = ft
	return nil
}

// DialogIDMake joins a Call-ID and the two tags into a dialog identity
// string. Order of innerID/externalID is role-dependent: see
// DialogIDFromRequestUAS/UAC.
func DialogIDMake(callID, innerID, externalID string) string {
	return strings.Join([]string{callID, innerID, externalID}, TxSeperator)
}

func logSIPRead(transport, laddr, raddr string, sipmsg []byte) {
	if !SIPDebug {
		return
	}
	log.Debug().Msgf("%s read %s <- %s:\n%s", transport, laddr, raddr, sipmsg)
}

func logSIPWrite(transport, laddr, raddr string, sipmsg []byte) {
	if !SIPDebug {
		return
	}
	log.Debug().Msgf("%s write %s -> %s:\n%s", transport, laddr, raddr, sipmsg)
}
