// Package xconf 基于 koanf 加载 YAML/JSON 配置，并通过 fsnotify 监视文件变更。
//
//	cfg, err := xconf.New("/etc/wbcache/config.yaml")
//	var c xwbcache.Config
//	err = cfg.Unmarshal("cache", &c)
//
// Unmarshal 使用 koanf 标签，时长字段可以写成 "5s"、"1m" 这类字符串。
//
// Watch 阻塞直到 ctx 取消，文件变更（含编辑器的 rename 原子写入）经过防抖后
// 调用 Reload 并回调，适合作为 xrun.Group 中的一个服务运行。
package xconf
