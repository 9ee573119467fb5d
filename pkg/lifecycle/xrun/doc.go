// Package xrun 管理一组后台服务的并发运行与协调关闭。
//
// Group 基于 errgroup：任一服务返回错误或父 context 取消时，其余服务都会收到取消信号。
// Run 在 Group 之上注册系统信号监听，收到信号时以 *SignalError 作为退出原因。
//
//	err := xrun.Run(ctx, []xrun.Option{xrun.WithName("wbcache")},
//	    func(ctx context.Context) error { return serve(ctx) },
//	)
//	if errors.Is(err, xrun.ErrSignal) {
//	    // 正常的信号退出
//	}
package xrun
