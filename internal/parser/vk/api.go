package vk

import (
	"encoding/json"
	"fmt"
)

// apiEnvelope is the outer shape of every VK API reply: exactly one of
// response or error is set.
type apiEnvelope struct {
	Response json.RawMessage `json:"response"`
	Error    *apiError       `json:"error"`
}

type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

type wallPage struct {
	Count int        `json:"count"`
	Items []wallPost `json:"items"`
}

type wallPost struct {
	ID       int64       `json:"id"`
	OwnerID  int64       `json:"owner_id"`
	Date     int64       `json:"date"`
	Text     string      `json:"text"`
	IsPinned int         `json:"is_pinned"`
	Likes    countField  `json:"likes"`
	Views    countField  `json:"views"`
	Comments countField  `json:"comments"`
	Reposts  countField  `json:"reposts"`
	CopyHist []wallPost  `json:"copy_history"`
	Attach   []wallMedia `json:"attachments"`
}

type wallMedia struct {
	Type string `json:"type"`
}

type countField struct {
	Count int `json:"count"`
}

type commentPage struct {
	Count    int         `json:"count"`
	Items    []vkComment `json:"items"`
	Profiles []vkProfile `json:"profiles"`
	Groups   []vkGroup   `json:"groups"`
}

type vkComment struct {
	ID     int64      `json:"id"`
	FromID int64      `json:"from_id"`
	Date   int64      `json:"date"`
	Text   string     `json:"text"`
	Likes  countField `json:"likes"`
}

type vkProfile struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type vkGroup struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	ScreenName string `json:"screen_name"`
}
