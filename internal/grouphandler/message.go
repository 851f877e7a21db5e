// Package grouphandler implements the inbound processing loop for group
// traffic delivered over the Delivery Client's stream: decoding MLS
// messages, enforcing permissions on what they decode to, persisting
// accepted messages, and emitting typed UI events.
package grouphandler

import (
	"errors"
	"fmt"

	"github.com/shipcore/groupcore/internal/wire"
)

// The leading tag byte distinguishes application message payload
// shapes. Only text (textMessageTag, 0) is implemented; the tag byte is reserved so richer
// payload kinds can be added without breaking older readers.
const textMessageTag = 0

// ErrUnknownTag is returned when a payload's leading tag byte doesn't
// match any known message shape.
var ErrUnknownTag = errors.New("grouphandler: unknown message tag")

// TextMessage is the decoded form of a group text message, matching the
// local binary wire layout: a tag byte followed by a fixed-width header
// of little-endian integers, then the variable-length group id, text,
// media, and media name byte strings.
type TextMessage struct {
	MessageID int64
	SenderID  int64
	Date      int64
	GroupID   []byte
	Text      []byte
	Media     []byte
	MediaName []byte
	ReplyID   int64 // -1 sentinel for "no reply"
	Expires   int64 // -1 sentinel for "never"
	EditDate  int64 // -1 sentinel for "never edited"
}

// EncodeTextMessage serializes m as [tag=0][body], matching the pinned
// on-wire layout used both for local storage and as the MLS application
// message payload.
func EncodeTextMessage(m TextMessage) []byte {
	w := wire.NewWriter()
	w.PutRaw([]byte{textMessageTag})
	w.PutInt64(m.MessageID)
	w.PutInt64(m.SenderID)
	w.PutInt64(m.Date)
	w.PutUint64(uint64(len(m.GroupID)))
	w.PutUint64(uint64(len(m.Text)))
	w.PutUint64(uint64(len(m.Media)))
	w.PutUint64(uint64(len(m.MediaName)))
	w.PutInt64(m.ReplyID)
	w.PutInt64(m.Expires)
	w.PutInt64(m.EditDate)
	w.PutRaw(m.GroupID)
	w.PutRaw(m.Text)
	w.PutRaw(m.Media)
	w.PutRaw(m.MediaName)
	return w.Bytes()
}

// DecodeApplicationPayload decodes the tagged application message body.
// Only the text tag is currently recognized.
func DecodeApplicationPayload(data []byte) (TextMessage, error) {
	if len(data) < 1 {
		return TextMessage{}, fmt.Errorf("grouphandler: empty application payload")
	}
	if data[0] != textMessageTag {
		return TextMessage{}, fmt.Errorf("%w: %d", ErrUnknownTag, data[0])
	}
	return decodeTextMessage(data[1:])
}

func decodeTextMessage(data []byte) (TextMessage, error) {
	r := wire.NewReader(data)

	messageID, err := r.Int64()
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode message_id: %w", err)
	}
	senderID, err := r.Int64()
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode sender_id: %w", err)
	}
	date, err := r.Int64()
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode date: %w", err)
	}
	groupIDLen, err := r.Uint64()
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode group_id_len: %w", err)
	}
	textLen, err := r.Uint64()
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode text_len: %w", err)
	}
	mediaLen, err := r.Uint64()
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode media_len: %w", err)
	}
	mediaNameLen, err := r.Uint64()
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode media_name_len: %w", err)
	}
	replyID, err := r.Int64()
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode reply_id: %w", err)
	}
	expires, err := r.Int64()
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode expires: %w", err)
	}
	editDate, err := r.Int64()
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode edit_date: %w", err)
	}

	groupID, err := r.Raw(int(groupIDLen))
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode group_id: %w", err)
	}
	text, err := r.Raw(int(textLen))
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode text: %w", err)
	}
	media, err := r.Raw(int(mediaLen))
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode media: %w", err)
	}
	mediaName, err := r.Raw(int(mediaNameLen))
	if err != nil {
		return TextMessage{}, fmt.Errorf("decode media_name: %w", err)
	}

	return TextMessage{
		MessageID: messageID,
		SenderID:  senderID,
		Date:      date,
		GroupID:   groupID,
		Text:      text,
		Media:     media,
		MediaName: mediaName,
		ReplyID:   replyID,
		Expires:   expires,
		EditDate:  editDate,
	}, nil
}
