package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid-trailing-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// LiveExchange 实现了 Exchange 接口，用于与真实的币安现货交易所进行交互。
type LiveExchange struct {
	apiKey       string
	secretKey    string
	baseURL      string
	wsBaseURL    string
	httpClient   *http.Client
	logger       *zap.SugaredLogger
	timeOffset   int64
	pingInterval time.Duration
	pongTimeout  time.Duration

	mu        sync.Mutex
	listenKey string
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closed    bool
}

// NewLiveExchange 创建一个新的 LiveExchange 实例，并与服务器同步时间。
func NewLiveExchange(cfg *models.Config, logger *zap.SugaredLogger) (*LiveExchange, error) {
	baseURL, wsBaseURL := cfg.LiveAPIURL, cfg.LiveWSURL
	if cfg.IsTestnet {
		baseURL, wsBaseURL = cfg.TestnetAPIURL, cfg.TestnetWSURL
	}

	e := &LiveExchange{
		apiKey:       cfg.APIKey,
		secretKey:    cfg.SecretKey,
		baseURL:      baseURL,
		wsBaseURL:    wsBaseURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		pingInterval: time.Duration(cfg.WebSocketPingIntervalSec) * time.Second,
		pongTimeout:  time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second,
		stopChan:     make(chan struct{}),
	}

	if err := e.syncTime(); err != nil {
		return nil, fmt.Errorf("与服务器同步时间失败: %w", err)
	}

	return e, nil
}

// syncTime 与服务器同步时间，计算时间偏移。
func (e *LiveExchange) syncTime() error {
	data, err := e.doRequest("GET", "/api/v3/time", nil, false)
	if err != nil {
		return err
	}
	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &serverTime); err != nil {
		return err
	}
	e.timeOffset = serverTime.ServerTime - time.Now().UnixMilli()
	e.logger.Infow("服务器时间同步完成", "timeOffset_ms", e.timeOffset)
	return nil
}

// doRequest 是一个通用的请求处理函数，用于向交易所API发送请求。
func (e *LiveExchange) doRequest(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", e.baseURL, endpoint)
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		timestamp := time.Now().UnixMilli() + e.timeOffset
		queryParams.Set("timestamp", fmt.Sprintf("%d", timestamp))
		queryParams.Set("recvWindow", "5000")

		payloadToSign := queryParams.Encode()
		signature := e.sign(payloadToSign)
		encodedParams = fmt.Sprintf("%s&signature=%s", payloadToSign, signature)
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error

	if method == "GET" || method == "DELETE" {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fmt.Sprintf("%s?%s", fullURL, encodedParams)
		}
		req, err = http.NewRequest(method, finalURL, nil)
	} else { // POST, PUT
		req, err = http.NewRequest(method, fullURL, strings.NewReader(encodedParams))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("X-MBX-APIKEY", e.apiKey)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiError models.Error
	if json.Unmarshal(body, &apiError) == nil && apiError.Code != 0 {
		return body, &apiError
	}

	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// sign 对请求参数进行签名。
func (e *LiveExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// newClientOrderID 生成紧凑的客户端订单ID
func newClientOrderID() string {
	id := uuid.New()
	return "gtb_" + base62.EncodeToString(id[:])
}

// rawOrder 是交易所返回的订单原始结构
type rawOrder struct {
	Symbol      string `json:"symbol"`
	OrderID     int64  `json:"orderId"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	Side        string `json:"side"`
	StopPrice   string `json:"stopPrice"`
}

func parseSide(s string) models.Side {
	switch s {
	case "BUY":
		return models.SideBuy
	case "SELL":
		return models.SideSell
	default:
		return models.SideUnsupported
	}
}

func parseType(s string) models.OrderType {
	switch s {
	case "LIMIT":
		return models.TypeLimit
	case "MARKET":
		return models.TypeMarket
	default:
		return models.TypeUnsupported
	}
}

func parseStatus(s string) models.OrderStatus {
	switch s {
	case "NEW":
		return models.StatusNew
	case "PARTIALLY_FILLED":
		return models.StatusPartiallyFilled
	case "FILLED":
		return models.StatusFilled
	case "CANCELED", "EXPIRED":
		return models.StatusCanceled
	case "REJECTED":
		return models.StatusRejected
	default:
		return models.StatusUnsupported
	}
}

// parseKlineMessage 解析K线推送。只接受已收盘的K线, 未收盘或
// 格式错误时返回 false。
func parseKlineMessage(message []byte) (models.Candlestick, bool) {
	var push struct {
		Kline struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(message, &push); err != nil {
		return models.Candlestick{}, false
	}
	if !push.Kline.Closed {
		return models.Candlestick{}, false
	}

	candle := models.Candlestick{
		OpenTime:  push.Kline.OpenTime,
		CloseTime: push.Kline.CloseTime,
	}
	var err error
	if candle.Open, err = strconv.ParseFloat(push.Kline.Open, 64); err != nil {
		return candle, false
	}
	if candle.High, err = strconv.ParseFloat(push.Kline.High, 64); err != nil {
		return candle, false
	}
	if candle.Low, err = strconv.ParseFloat(push.Kline.Low, 64); err != nil {
		return candle, false
	}
	if candle.Close, err = strconv.ParseFloat(push.Kline.Close, 64); err != nil {
		return candle, false
	}
	candle.Volume, _ = strconv.ParseFloat(push.Kline.Volume, 64)
	return candle, true
}

func (r *rawOrder) toOrder(pair models.TradePair) models.Order {
	price, _ := strconv.ParseFloat(r.Price, 64)
	origQty, _ := strconv.ParseFloat(r.OrigQty, 64)
	executedQty, _ := strconv.ParseFloat(r.ExecutedQty, 64)

	order := models.Order{
		OrderID:     strconv.FormatInt(r.OrderID, 10),
		Pair:        pair,
		Price:       price,
		OrigQty:     origQty,
		ExecutedQty: executedQty,
		Side:        parseSide(r.Side),
		Type:        parseType(r.Type),
		Status:      parseStatus(r.Status),
	}
	if stop, err := strconv.ParseFloat(r.StopPrice, 64); err == nil && stop > 0 {
		order.StopPrice = &stop
	}
	return order
}

// --- Exchange 接口实现 ---

// GetCandlestickBars 获取历史K线。
func (e *LiveExchange) GetCandlestickBars(pair models.TradePair, interval string, count int, start, end int64) ([]models.Candlestick, error) {
	params := url.Values{}
	params.Set("symbol", pair.Symbol())
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(count))
	if start > 0 {
		params.Set("startTime", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		params.Set("endTime", strconv.FormatInt(end, 10))
	}

	data, err := e.doRequest("GET", "/api/v3/klines", params, false)
	if err != nil {
		return nil, err
	}

	// K线以嵌套数组形式返回: [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析K线响应失败: %w", err)
	}

	candles := make([]models.Candlestick, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		c := models.Candlestick{
			OpenTime:  int64(asFloat(k[0])),
			Open:      parseFloatField(k[1]),
			High:      parseFloatField(k[2]),
			Low:       parseFloatField(k[3]),
			Close:     parseFloatField(k[4]),
			Volume:    parseFloatField(k[5]),
			CloseTime: int64(asFloat(k[6])),
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func parseFloatField(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return asFloat(v)
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// GetOpenOrders 获取所有挂单。
func (e *LiveExchange) GetOpenOrders(pair models.TradePair) ([]models.Order, error) {
	params := url.Values{}
	params.Set("symbol", pair.Symbol())
	data, err := e.doRequest("GET", "/api/v3/openOrders", params, true)
	if err != nil {
		return nil, err
	}

	var raw []rawOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, raw[i].toOrder(pair))
	}
	return orders, nil
}

// PlaceOrder 下单。数量与价格由调用方按交易对精度格式化。
func (e *LiveExchange) PlaceOrder(order *models.Order, qtyStr, priceStr string) (*models.Order, error) {
	params := url.Values{}
	params.Set("symbol", order.Pair.Symbol())
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", qtyStr)
	params.Set("newClientOrderId", newClientOrderID())
	params.Set("newOrderRespType", "RESULT")

	if order.Type == models.TypeLimit {
		params.Set("timeInForce", "GTC")
		params.Set("price", priceStr)
	}

	data, err := e.doRequest("POST", "/api/v3/order", params, true)
	if err != nil {
		e.logger.Errorw("下单请求失败", "error", err, "raw_response", string(data))
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	placed := raw.toOrder(order.Pair)
	return &placed, nil
}

// CancelOrder 取消订单。
func (e *LiveExchange) CancelOrder(pair models.TradePair, orderID string) (bool, error) {
	params := url.Values{}
	params.Set("symbol", pair.Symbol())
	params.Set("orderId", orderID)
	_, err := e.doRequest("DELETE", "/api/v3/order", params, true)
	if err != nil {
		// -2011: 订单不存在, 视为已撤销
		if apiErr, ok := err.(*models.Error); ok && apiErr.Code == -2011 {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// GetOrder 查询单个订单, 未找到时返回 (nil, nil)。
func (e *LiveExchange) GetOrder(pair models.TradePair, orderID string) (*models.Order, error) {
	params := url.Values{}
	params.Set("symbol", pair.Symbol())
	params.Set("orderId", orderID)
	data, err := e.doRequest("GET", "/api/v3/order", params, true)
	if err != nil {
		if apiErr, ok := err.(*models.Error); ok && apiErr.Code == -2013 {
			return nil, nil // Order does not exist
		}
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	order := raw.toOrder(pair)
	return &order, nil
}

// GetBalances 获取账户余额。
func (e *LiveExchange) GetBalances() (map[string]models.Balance, error) {
	data, err := e.doRequest("GET", "/api/v3/account", nil, true)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("解析账户信息失败: %w", err)
	}

	balances := make(map[string]models.Balance, len(account.Balances))
	for _, b := range account.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		balances[b.Asset] = models.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
			Total:  free + locked,
		}
	}
	return balances, nil
}

// createListenKey 创建用户数据流的 listenKey。
func (e *LiveExchange) createListenKey() (string, error) {
	data, err := e.doRequest("POST", "/api/v3/userDataStream", nil, false)
	if err != nil {
		return "", fmt.Errorf("创建 listenKey 失败: %w", err)
	}
	var response struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return "", fmt.Errorf("解析 listenKey 响应失败: %w", err)
	}
	e.mu.Lock()
	e.listenKey = response.ListenKey
	e.mu.Unlock()
	return response.ListenKey, nil
}

// keepAliveListenKey 延长 listenKey 的有效期。
func (e *LiveExchange) keepAliveListenKey(listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := e.doRequest("PUT", "/api/v3/userDataStream", params, false)
	return err
}

// Subscribe 启动行情流 (aggTrade)、K线流 (kline) 与用户数据流
// (executionReport), 事件写入 events 通道。每条流有独立的重连循环。
func (e *LiveExchange) Subscribe(pair models.TradePair, interval string, events chan<- models.Event) error {
	symbol := strings.ToLower(pair.Symbol())
	tradeURL := fmt.Sprintf("%s/ws/%s@aggTrade", e.wsBaseURL, symbol)
	klineURL := fmt.Sprintf("%s/ws/%s@kline_%s", e.wsBaseURL, symbol, interval)

	e.wg.Add(3)
	go e.streamLoop("aggTrade", func() (string, error) { return tradeURL, nil }, func(message []byte) {
		var tick struct {
			Price string `json:"p"`
			Qty   string `json:"q"`
			Time  int64  `json:"T"`
		}
		if err := json.Unmarshal(message, &tick); err != nil {
			return
		}
		price, err := strconv.ParseFloat(tick.Price, 64)
		if err != nil {
			return
		}
		qty, _ := strconv.ParseFloat(tick.Qty, 64)
		e.deliver(events, models.NewTradeEvent(models.Trade{Price: price, Qty: qty, Time: tick.Time}))
	})

	go e.streamLoop("kline", func() (string, error) { return klineURL, nil }, func(message []byte) {
		candle, ok := parseKlineMessage(message)
		if !ok {
			return
		}
		e.deliver(events, models.NewCandleEvent(candle))
	})

	go e.streamLoop("userData", func() (string, error) {
		listenKey, err := e.createListenKey()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s/ws/%s", e.wsBaseURL, listenKey), nil
	}, func(message []byte) {
		var report struct {
			EventType   string `json:"e"`
			Symbol      string `json:"s"`
			Side        string `json:"S"`
			OrderType   string `json:"o"`
			OrigQty     string `json:"q"`
			Price       string `json:"p"`
			Status      string `json:"X"`
			OrderID     int64  `json:"i"`
			CumQty      string `json:"z"`
			Commission  string `json:"n"`
			LastPrice   string `json:"L"`
		}
		if err := json.Unmarshal(message, &report); err != nil {
			return
		}
		if report.EventType != "executionReport" || report.Symbol != pair.Symbol() {
			return
		}

		price, _ := strconv.ParseFloat(report.Price, 64)
		if price == 0 {
			// 市价单的挂单价为0, 用最近成交价代替
			price, _ = strconv.ParseFloat(report.LastPrice, 64)
		}
		origQty, _ := strconv.ParseFloat(report.OrigQty, 64)
		cumQty, _ := strconv.ParseFloat(report.CumQty, 64)
		fee, _ := strconv.ParseFloat(report.Commission, 64)

		order := models.Order{
			OrderID:     strconv.FormatInt(report.OrderID, 10),
			Pair:        pair,
			Price:       price,
			OrigQty:     origQty,
			ExecutedQty: cumQty,
			Side:        parseSide(report.Side),
			Type:        parseType(report.OrderType),
			Status:      parseStatus(report.Status),
			Fee:         fee,
		}
		e.deliver(events, models.NewOrderEvent(order))
	})

	// listenKey 每30分钟续期一次
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopChan:
				return
			case <-ticker.C:
				e.mu.Lock()
				key := e.listenKey
				e.mu.Unlock()
				if key == "" {
					continue
				}
				if err := e.keepAliveListenKey(key); err != nil {
					e.logger.Warnw("listenKey 续期失败", "error", err)
				}
			}
		}
	}()

	return nil
}

func (e *LiveExchange) deliver(events chan<- models.Event, ev models.Event) {
	select {
	case events <- ev:
	case <-e.stopChan:
	}
}

// streamLoop 维护单条 WebSocket 流: 断线后等待5秒重连。
func (e *LiveExchange) streamLoop(name string, dialURL func() (string, error), handle func([]byte)) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return
		default:
		}

		wsURL, err := dialURL()
		if err != nil {
			e.logger.Errorw("获取流地址失败", "stream", name, "error", err)
			if !e.sleepOrStop(5 * time.Second) {
				return
			}
			continue
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			e.logger.Errorw("WebSocket 连接失败", "stream", name, "error", err)
			if !e.sleepOrStop(5 * time.Second) {
				return
			}
			continue
		}
		e.logger.Infow("WebSocket 已连接", "stream", name)

		e.readPump(name, conn, handle)
		conn.Close()

		select {
		case <-e.stopChan:
			return
		default:
			e.logger.Warnw("WebSocket 连接断开, 5秒后重连", "stream", name)
			if !e.sleepOrStop(5 * time.Second) {
				return
			}
		}
	}
}

// readPump 读取单条连接上的消息, 并通过 ping/pong 维持心跳。
func (e *LiveExchange) readPump(name string, conn *websocket.Conn, handle func([]byte)) {
	conn.SetReadDeadline(time.Now().Add(e.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(e.pongTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(e.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-e.stopChan:
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-e.stopChan:
			default:
				e.logger.Warnw("WebSocket 读取失败", "stream", name, "error", err)
			}
			return
		}
		handle(message)
	}
}

func (e *LiveExchange) sleepOrStop(d time.Duration) bool {
	select {
	case <-e.stopChan:
		return false
	case <-time.After(d):
		return true
	}
}

// Close 停止所有推送并等待goroutine退出。
func (e *LiveExchange) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.stopChan)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}
