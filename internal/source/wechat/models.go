package wechat

// searchResponse is the searchbiz payload. The platform reports errors
// through a top-level ret code; 200013 means frequency control.
type searchResponse struct {
	Ret    int          `json:"ret"`
	ErrMsg string       `json:"errmsg"`
	List   []searchItem `json:"list"`
	Total  int          `json:"total"`
}

type searchItem struct {
	Nickname     string `json:"nickname"`
	FakeID       string `json:"fakeid"`
	RoundHeadImg string `json:"round_head_img"`
	HeadImg      string `json:"headimg"`
	Avatar       string `json:"avatar"`
}

// listResponse is the appmsg listing payload.
type listResponse struct {
	BaseResp   baseResp `json:"base_resp"`
	AppMsgList []appMsg `json:"app_msg_list"`
	AppMsgCnt  int      `json:"app_msg_cnt"`
}

type baseResp struct {
	Ret    int    `json:"ret"`
	ErrMsg string `json:"err_msg"`
}

type appMsg struct {
	AID        string `json:"aid"`
	Title      string `json:"title"`
	Link       string `json:"link"`
	UpdateTime int64  `json:"update_time"`
}
