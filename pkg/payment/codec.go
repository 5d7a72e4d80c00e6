package payment

import "encoding/json"

func encodeRequest(req *Request) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRequest(raw string) (*Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, err
	}
	return &req, nil
}
