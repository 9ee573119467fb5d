// Package xrotate 提供日志文件轮转，底层使用 lumberjack。
//
// Rotator 实现 io.WriteCloser，可直接作为 xlog 的输出目标：
//
//	r, err := xrotate.NewLumberjack("/var/log/wbcache/app.log",
//	    xrotate.WithMaxSize(100),
//	    xrotate.WithMaxBackups(3),
//	)
package xrotate
