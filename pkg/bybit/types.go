package bybit

import (
	"encoding/json"
	"strconv"
)

// envelope is the common v5 response wrapper. RetCode 0 means success.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// The v5 API returns numeric fields as strings, frequently empty. num decodes
// both without failing the whole payload on a blank value.
type num float64

func (n *num) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Some endpoints send bare numbers.
		var f float64
		if err2 := json.Unmarshal(data, &f); err2 != nil {
			return err
		}
		*n = num(f)
		return nil
	}
	if s == "" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = num(f)
	return nil
}

type tickerResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice num    `json:"lastPrice"`
		MarkPrice num    `json:"markPrice"`
		Bid1Price num    `json:"bid1Price"`
		Ask1Price num    `json:"ask1Price"`
		Volume24h num    `json:"volume24h"`
	} `json:"list"`
}

type klineResult struct {
	Symbol string `json:"symbol"`
	// Each entry: [startMs, open, high, low, close, volume, turnover].
	List [][]string `json:"list"`
}

type walletBalanceResult struct {
	List []struct {
		AccountType string `json:"accountType"`
		Coin        []struct {
			Coin                string `json:"coin"`
			WalletBalance       num    `json:"walletBalance"`
			AvailableToWithdraw num    `json:"availableToWithdraw"`
		} `json:"coin"`
	} `json:"list"`
}

type positionResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          num    `json:"size"`
		AvgPrice      num    `json:"avgPrice"`
		MarkPrice     num    `json:"markPrice"`
		UnrealisedPnl num    `json:"unrealisedPnl"`
		UpdatedTime   num    `json:"updatedTime"`
	} `json:"list"`
}

type executionResult struct {
	List []struct {
		ExecID    string `json:"execId"`
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		ExecPrice num    `json:"execPrice"`
		ExecQty   num    `json:"execQty"`
		ExecTime  num    `json:"execTime"`
	} `json:"list"`
}

type instrumentsResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		LotSizeFilter struct {
			QtyStep     num `json:"qtyStep"`
			MinOrderQty num `json:"minOrderQty"`
		} `json:"lotSizeFilter"`
		PriceFilter struct {
			TickSize num `json:"tickSize"`
		} `json:"priceFilter"`
	} `json:"list"`
}

type openOrdersResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderType   string `json:"orderType"`
		Price       num    `json:"price"`
		Qty         num    `json:"qty"`
		CumExecQty  num    `json:"cumExecQty"`
		OrderStatus string `json:"orderStatus"`
		TimeInForce string `json:"timeInForce"`
		ReduceOnly  bool   `json:"reduceOnly"`
		CreatedTime num    `json:"createdTime"`
		UpdatedTime num    `json:"updatedTime"`
	} `json:"list"`
}

type placeOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type placeOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
}

type cancelOrderRequest struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"orderId"`
}
