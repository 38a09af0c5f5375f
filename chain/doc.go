// Package chain 提供一个有序、去重的执行链。
//
// 执行链主要用于进程退出前的清理动作编排，例如先销毁流程引擎，再关闭应用上下文：
//
//	head := chain.Link[shutdown.ApplicationContext](&shutdown.DestroyEngine{}, &shutdown.CloseApplication{})
//	if head != nil {
//	    err := head.Execute(application, os.Args[1:]...)
//	}
//
// 构建规则：
//   - 链头为空时 Link 返回 nil
//   - 后续节点中的 nil 会被跳过
//   - 同一个引用只会出现一次，按第一次出现的位置保留
//
// 执行规则：
//   - 从链头到链尾依次执行，每个节点拿到相同的上下文和参数
//   - 某个节点返回错误时立刻停止，后面的节点不会执行，错误返回给调用方
//   - 重复调用 Execute 会重新执行整条链
//
// 链在 Link 返回之后不再变化，可以被多个 goroutine 同时执行。
package chain
